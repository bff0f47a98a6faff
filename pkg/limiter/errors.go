package limiter

import "errors"

var (
	// ErrNoStartTime means the store's reset produced no usable window start.
	// It is a configuration error and is never retried.
	ErrNoStartTime = errors.New("limiter: store returned no usable start time")

	// ErrRenewContention means other writers kept renewing the window of an
	// identity to starts that were still stale for the caller's timestamp,
	// typically because their clocks disagree. Callers may retry.
	ErrRenewContention = errors.New("limiter: window renewal kept losing to other writers")

	ErrInvalidLimit     = errors.New("limiter: rate and period must be greater than 0")
	ErrInvalidIncrement = errors.New("limiter: increment must be at least 1")

	// ErrUnexpectedReply is returned when a remote store answers with a
	// payload the limiter cannot decode.
	ErrUnexpectedReply = errors.New("limiter: unexpected store reply")
)
