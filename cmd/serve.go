package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/onboarding/internal/config"
	"github.com/jmehdipour/onboarding/internal/db"
	"github.com/jmehdipour/onboarding/internal/email"
	httpSrv "github.com/jmehdipour/onboarding/internal/http"
	"github.com/jmehdipour/onboarding/internal/identity"
	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/metrics"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/jmehdipour/onboarding/internal/service/idempotency"
	"github.com/jmehdipour/onboarding/internal/service/users"
	"github.com/jmehdipour/onboarding/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		log := logger.Init(cfg.Log.Level, cfg.Log.Encoding)
		defer func() { _ = log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		redisClient, err := db.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		if redisClient != nil {
			defer func() { _ = redisClient.Close() }()
		} else {
			log.Warn("redis not configured, rate limiting disabled")
		}

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		var events repository.CHUserEventsRepository
		if chDB != nil {
			defer func() { _ = chDB.Close() }()
			events = repository.NewCHUserEventsRepository(chDB)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		guarded, err := buildUsers(ctx, cfg, mysqlDB, log)
		if err != nil {
			return err
		}

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Users:    guarded,
			Events:   events,
			Redis:    redisClient,
			Gatherer: prometheus.DefaultGatherer,
			Log:      log,
		})

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("http server exited", zap.Error(err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		return nil
	},
}

// buildService wires the user workflows over MySQL.
func buildService(ctx context.Context, cfg config.Config, dbx *sqlx.DB, log *zap.Logger) (*users.Service, error) {
	idp, err := identity.New(ctx, cfg.Identity, log)
	if err != nil {
		return nil, fmt.Errorf("identity provider: %w", err)
	}

	return users.New(users.Deps{
		Tx:          repository.NewTransactor(dbx),
		Users:       repository.NewUsersRepository(dbx),
		Otps:        repository.NewOtpsRepository(dbx),
		Outbox:      repository.NewOutboxRepository(dbx),
		Identity:    idp,
		Email:       email.New(cfg.SMTP, log),
		Codes:       util.NumericCodes{Length: cfg.OTP.Length},
		Clock:       util.SystemClock{},
		NewID:       util.NewID,
		Log:         log,
		OtpValidity: cfg.OTP.Validity,
		EnableOTP:   cfg.Features.EnableOTP,
	}), nil
}

func buildUsers(ctx context.Context, cfg config.Config, dbx *sqlx.DB, log *zap.Logger) (*users.Guarded, error) {
	svc, err := buildService(ctx, cfg, dbx, log)
	if err != nil {
		return nil, err
	}
	guard := idempotency.New(
		repository.NewIdempotencyRepository(dbx),
		util.SystemClock{},
		cfg.Idempotency.TTL(),
		log,
	)
	return users.NewGuarded(svc, guard), nil
}
