package main

import (
	"fmt"
	"log/slog"

	"github.com/SiriusScan/pypi-gate/sirius/postgres"
	"github.com/spf13/cobra"
)

var flagRollback bool

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "create (or with --rollback drop) the packages and events tables",
	RunE:  doMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&flagRollback, "rollback", false, "drop the tables instead of creating them")
}

func doMigrate(cmd *cobra.Command, _ []string) error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	db, err := openDB(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = postgres.Close(db) }()

	if flagRollback {
		if err := postgres.Rollback(db); err != nil {
			return err
		}
		slog.Info("Schema rolled back", "driver", cfg.Database.Driver)
		return nil
	}
	if err := postgres.Migrate(db); err != nil {
		return err
	}
	slog.Info("Schema migrated", "driver", cfg.Database.Driver)
	return nil
}
