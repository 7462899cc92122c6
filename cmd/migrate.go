package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/credits-gateway/internal/app"
	"github.com/jmehdipour/credits-gateway/internal/config"
	"github.com/jmehdipour/credits-gateway/internal/db"
	"github.com/jmehdipour/credits-gateway/internal/logger"
)

var (
	migrationsDir  string
	skipClickHouse bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the ledger tables and the ClickHouse archive",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		log := logger.Named("migrate")
		ctx := cmd.Context()

		switch cfg.Ledger.Driver {
		case config.DriverMySQL:
			sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, app.SQLOpts(cfg.MySQL))
			if err != nil {
				return fmt.Errorf("open mysql: %w", err)
			}
			defer sqlDB.Close()
			if err := runScript(ctx, filepath.Join(migrationsDir, "001_init.sql"), sqlDB.ExecContext); err != nil {
				return err
			}

		case config.DriverPostgres:
			pool, err := db.NewPostgresPool(cfg.Postgres.DSN, db.PostgresOpts{PingTimeout: cfg.Postgres.PingTimeout})
			if err != nil {
				return fmt.Errorf("open postgres: %w", err)
			}
			defer pool.Close()
			exec := func(ctx context.Context, stmt string, _ ...any) (any, error) {
				return pool.Exec(ctx, stmt)
			}
			if err := runScript(ctx, filepath.Join(migrationsDir, "postgres", "001_init.sql"), exec); err != nil {
				return err
			}

		case config.DriverMemory:
			log.Info("memory ledger driver has no schema")
		}

		if !skipClickHouse && cfg.ClickHouse.DSN != "" {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse.DSN, app.SQLOpts(cfg.ClickHouse))
			if err != nil {
				return fmt.Errorf("open clickhouse: %w", err)
			}
			defer chDB.Close()
			if err := runScript(ctx, filepath.Join(migrationsDir, "clickhouse", "001_init.sql"), chDB.ExecContext); err != nil {
				return err
			}
		}

		log.Info("migration complete", zap.String("driver", cfg.Ledger.Driver))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the migration scripts")
	migrateCmd.Flags().BoolVar(&skipClickHouse, "skip-clickhouse", false, "do not create the ClickHouse archive table")
}

func runScript[R any](ctx context.Context, path string, exec func(ctx context.Context, query string, args ...any) (R, error)) error {
	script, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration file %s: %w", path, err)
	}
	for i, stmt := range db.SplitStatements(string(script)) {
		if _, err := exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s statement %d: %w", path, i+1, err)
		}
	}
	return nil
}
