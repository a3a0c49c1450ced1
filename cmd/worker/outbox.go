package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/db"
	"github.com/jmehdipour/onboarding/internal/dispatcher"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/metrics"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/jmehdipour/onboarding/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Run the outbox publisher",
	RunE:  runOutbox,
}

func runOutbox(cmd *cobra.Command, args []string) error {
	// 1) load config
	cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
	defer func() { _ = log.Sync() }()

	metrics.MustRegister(prometheus.DefaultRegisterer)

	// 2) DB connections
	dbx, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer dbx.Close()

	chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
	if err != nil {
		return fmt.Errorf("clickhouse connect: %w", err)
	}
	var chRepo repository.CHUserEventsRepository
	if chDB != nil {
		defer func() { _ = chDB.Close() }()
		chRepo = repository.NewCHUserEventsRepository(chDB)
	}

	// 3) sinks → dispatcher
	sinks := dispatcher.BuildSinks(cfg.Webhooks, chRepo, log)
	disp := dispatcher.NewDispatcher(sinks, cfg.Outbox.SinkAttempts, log)

	// 4) publisher
	p := worker.NewOutboxPublisher(repository.NewOutboxRepository(dbx), disp, log)
	if cfg.Outbox.PollInterval > 0 {
		p.PollInterval = cfg.Outbox.PollInterval
	}
	if cfg.Outbox.BatchSize > 0 {
		p.BatchSize = cfg.Outbox.BatchSize
	}
	p.MaxAttempts = cfg.Outbox.MaxAttempts

	// 5) graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	names := make([]string, 0, len(sinks))
	for _, s := range disp.Sinks() {
		names = append(names, s.Name())
	}
	log.Info("outbox publisher started",
		zap.Strings("sinks", names),
		zap.Duration("poll_interval", p.PollInterval),
		zap.Int("batch_size", p.BatchSize),
		zap.Int("max_attempts", p.MaxAttempts),
	)

	return p.Run(ctx)
}
