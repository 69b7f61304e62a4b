package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pario-ai/querydesk/pkg/datasource"
)

func newSchemaCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the schema summary the model sees",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}

			db, err := datasource.Open(cfg.DataSource.Driver, cfg.DataSource.DSN)
			if err != nil {
				return fmt.Errorf("open data source: %w", err)
			}
			defer func() { _ = db.Close() }()

			summary, err := db.Schema(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "-- %s (%s)\n%s\n", cfg.DataSource.Driver, db.Dialect(), summary)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	return cmd
}
