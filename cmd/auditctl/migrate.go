package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/onnwee/auditchain/internal/config"
	"github.com/onnwee/auditchain/internal/db"
	"github.com/onnwee/auditchain/internal/db/migrate"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit store schema",
		Long: "PostgreSQL schemas are versioned and applied with golang-migrate.\n" +
			"SQLite stores use a single idempotent schema; only up applies.",
	}

	for _, direction := range []string{migrate.Up, migrate.Down} {
		cmd.AddCommand(&cobra.Command{
			Use:   direction,
			Short: "Apply migrations " + direction,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runMigrate(cmd, root, direction)
			},
		})
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrateVersion(cmd, root)
		},
	})
	return cmd
}

func runMigrate(cmd *cobra.Command, root *rootOptions, direction string) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}

	switch cfg.StorageDriver {
	case config.StoragePostgres:
		if err := migrate.Run(cfg.DatabaseURL, direction); err != nil {
			return err
		}
	case config.StorageSQLite:
		if direction != migrate.Up {
			return fmt.Errorf("migrate %s is not supported for sqlite", direction)
		}
		if err := applySQLite(cmd.Context(), cfg.SQLitePath); err != nil {
			return err
		}
	default:
		return errMemoryStorage
	}

	fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: ok\n", direction)
	return nil
}

func applySQLite(ctx context.Context, path string) error {
	conn, _, err := db.Open(ctx, db.DriverSQLite, path)
	if err != nil {
		return err
	}
	defer conn.Close()
	return db.ApplySQLiteSchema(ctx, conn)
}

func runMigrateVersion(cmd *cobra.Command, root *rootOptions) error {
	cfg, err := root.loadConfig()
	if err != nil {
		return err
	}
	if cfg.StorageDriver != config.StoragePostgres {
		return fmt.Errorf("migrate version requires the postgres storage driver")
	}

	version, dirty, err := migrate.Version(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if root.output == outputJSON {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"version": version,
			"dirty":   dirty,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", version, dirty)
	return nil
}
