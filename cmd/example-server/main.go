// Command example-server serves a rate limited /ping endpoint and inspects
// or resets stored limiter state.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
