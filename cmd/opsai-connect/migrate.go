package main

import (
	"errors"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/opsai/opsai-connect/internal/config"
	"github.com/spf13/cobra"
)

var migrateOpts struct {
	Source string
	Down   bool
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations for integrations, sync jobs, webhook events and tokens.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadWithOptions(config.LoadOptions{RequireDatabaseURL: true})
		if err != nil {
			return err
		}

		m, err := migrate.New(migrateOpts.Source, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer m.Close()

		if migrateOpts.Down {
			err = m.Down()
		} else {
			err = m.Up()
		}
		if err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				slog.Info("no changes to apply")
				return nil
			}
			return err
		}

		slog.Info("migrations applied successfully", "down", migrateOpts.Down)
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateOpts.Source, "source", "file://db/migrations", "migration source URL")
	migrateCmd.Flags().BoolVar(&migrateOpts.Down, "down", false, "roll back every migration instead of applying them")
}
