package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manenim/window-limiter/internal/config"
	"github.com/manenim/window-limiter/internal/logging"
)

// app carries what every subcommand loads from the persistent flags.
type app struct {
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "example-server",
		Short:        "Fixed-window rate limited demo server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default ./windowlimit.yaml)")

	root.AddCommand(
		newServeCmd(a),
		newStatusCmd(a),
		newResetCmd(a),
		newListCmd(a),
		newVersionCmd(),
	)
	return root
}
