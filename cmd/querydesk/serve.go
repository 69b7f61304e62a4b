package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pario-ai/querydesk/pkg/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the querydesk HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}

			a, err := newApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			opts := []server.Option{
				server.WithLogger(a.log),
				server.WithMetricsHandler(a.metrics.Handler()),
			}
			if a.history != nil {
				opts = append(opts, server.WithHistory(a.history))
			}
			srv := server.New(cfg, a.engine, a.db, opts...)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.log.WithField("data_source", a.db.Driver()).Infof("starting querydesk with config: %s", configPath)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listen, "listen", "", "override the listen address")
	return cmd
}
