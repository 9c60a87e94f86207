package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/membermatters/billing/pkg/config"
	"github.com/membermatters/billing/storage/postgres"
)

func migrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	databaseURL := func() (string, error) {
		cfg, err := load()
		if err != nil {
			return "", err
		}
		return requireDatabase(cfg)
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL()
			if err != nil {
				return err
			}
			if err := postgres.MigrateUp(url); err != nil {
				return err
			}
			return printVersion(cmd, url)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL()
			if err != nil {
				return err
			}
			if err := postgres.MigrateDown(url); err != nil {
				return err
			}
			return printVersion(cmd, url)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the current schema version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := databaseURL()
			if err != nil {
				return err
			}
			return printVersion(cmd, url)
		},
	})

	return cmd
}

func requireDatabase(cfg *config.Config) (string, error) {
	if cfg.DatabaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is required")
	}
	return cfg.DatabaseURL, nil
}

func printVersion(cmd *cobra.Command, url string) error {
	version, dirty, err := postgres.MigrationVersion(url)
	if err != nil {
		return err
	}
	status := "clean"
	if dirty {
		status = "dirty"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "schema version %d (%s)\n", version, status)
	return nil
}
