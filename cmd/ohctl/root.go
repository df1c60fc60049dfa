package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"ohbridge/internal/config"
	"ohbridge/internal/logging"
	"ohbridge/internal/openhab"
)

// app is shared by the subcommands once the config is loaded
type app struct {
	load   func() (*config.Config, error)
	cfg    *config.Config
	logger *slog.Logger
	client *openhab.Client
}

// newRootCmd builds the command tree. load defaults to config.LoadConfig.
func newRootCmd(load func() (*config.Config, error)) *cobra.Command {
	if load == nil {
		load = config.LoadConfig
	}
	a := &app{load: load}

	var logLevel string
	rootCmd := &cobra.Command{
		Use:          "ohctl",
		Short:        "ohctl talks to the openHAB hub configured for ohbridge",
		Long:         `ohctl reads the same .env and config.yaml as the ohbridge daemon and runs one-off item operations against the hub.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "hash-password" {
				return nil
			}
			cfg, err := a.load()
			if err != nil {
				return err
			}
			if logLevel == "" {
				logLevel = cfg.LogLevel
			}
			a.cfg = cfg
			a.logger = logging.Init(cmd.ErrOrStderr(), logLevel, cfg.LogFormat)
			a.client = openhab.NewClient(cfg.OpenHAB, a.logger, nil)
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (defaults to LOG_LEVEL)")

	rootCmd.AddCommand(
		newItemsCmd(a),
		newGetCmd(a),
		newSendCmd(a, "update"),
		newSendCmd(a, "command"),
		newWatchCmd(a),
		newHashPasswordCmd(),
	)
	return rootCmd
}
