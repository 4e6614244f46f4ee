package main

import (
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/conmux/conmux/internal/daemon"
	"github.com/conmux/conmux/pkg/config"
)

func newServeCommand() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the console multiplexer daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fallback, err := logrus.ParseLevel(cfg.LogLevel)
			if err != nil {
				fallback = logrus.InfoLevel
			}
			logger, err := configureLogger(cmd, fallback)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger.WithField("consoles", len(cfg.Consoles)).Info("Starting conmux")
			return daemon.New(cfg, logger).Run(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "/etc/conmux.yaml", "path to the config file")
	return cmd
}
