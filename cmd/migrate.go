package cmd

import (
	"fmt"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/db"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/migrations"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create MySQL tables and, when configured, the ClickHouse projection",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		if err := apply(sqlDB, migrations.MySQL); err != nil {
			return err
		}
		log.Info("mysql migration complete", zap.String("file", migrations.MySQL))

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		if chDB == nil {
			log.Info("clickhouse not configured, skipping projection schema")
			return nil
		}
		defer chDB.Close()

		if err := apply(chDB, migrations.ClickHouse); err != nil {
			return err
		}
		log.Info("clickhouse migration complete", zap.String("file", migrations.ClickHouse))
		return nil
	},
}

func apply(dbx *sqlx.DB, file string) error {
	stmts, err := migrations.Statements(file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}
	for i, stmt := range stmts {
		if _, err := dbx.Exec(stmt); err != nil {
			return fmt.Errorf("exec %s statement %d: %w", file, i+1, err)
		}
	}
	return nil
}
