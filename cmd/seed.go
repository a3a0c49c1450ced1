package cmd

import (
	"context"
	"fmt"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/db"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/service/users"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo users synced from the identity provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 1) load config
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)

		// 2) connect MySQL
		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		// 3) sync workflow
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		svc, err := buildService(ctx, cfg, sqlDB, log)
		if err != nil {
			return err
		}

		log.Info("seeding demo users")
		for _, c := range demoUsers {
			res, err := svc.Sync(ctx, c)
			if err != nil {
				return fmt.Errorf("seed %s: %w", c.Email, err)
			}
			if !res.IsSuccess() {
				log.Warn("seed skipped", zap.String("email", c.Email), zap.String("reason", res.Failure.Message))
				continue
			}
			log.Info("seeded", zap.String("email", c.Email), zap.String("user_id", res.Value.UserID), zap.Bool("created", res.Value.Created))
		}
		return nil
	},
}

// demoUsers are deterministic so reseeding only refreshes names.
var demoUsers = []users.SyncCommand{
	{Email: "ada@example.com", Name: "Ada Lovelace", ExternalRef: "seed-0001"},
	{Email: "alan@example.com", Name: "Alan Turing", ExternalRef: "seed-0002"},
	{Email: "grace@example.com", Name: "Grace Hopper", ExternalRef: "seed-0003"},
}
