// Package idempotency guards state-changing commands with a client-supplied
// key so their side effects run at most once and retries replay the first
// result.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/metrics"
	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/jmehdipour/onboarding/internal/util"
	"go.uber.org/zap"
)

const DefaultTTL = 24 * time.Hour

var (
	// ErrKeyExpired means the key outlived its TTL; the client needs a new key.
	ErrKeyExpired = errors.New("idempotency key expired")
	// ErrInFlight means another request holding the same key has not finished.
	ErrInFlight = errors.New("duplicate request in flight")
	// ErrKeyReused means the key was first used for a different operation.
	ErrKeyReused = errors.New("idempotency key reused for another operation")
	// ErrRecordMissing means the insert conflicted but no record exists.
	ErrRecordMissing = errors.New("idempotency record missing after conflict")
)

type Guard struct {
	store repository.IdempotencyRepository
	clock util.Clock
	ttl   time.Duration
	log   *zap.Logger
}

func New(store repository.IdempotencyRepository, clock util.Clock, ttl time.Duration, log *zap.Logger) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = util.SystemClock{}
	}
	return &Guard{store: store, clock: clock, ttl: ttl, log: logger.OrNop(log)}
}

func (g *Guard) TTL() time.Duration { return g.ttl }

// Execute runs fn under key. A first call executes fn and stores its JSON
// encoded result. Later calls with the same key replay that result, fail with
// ErrInFlight while the first call is running, or re-run fn when the first
// call failed.
func Execute[T any](ctx context.Context, g *Guard, key, operation string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	log := g.log.With(zap.String("idem_key", key), zap.String("operation", operation))

	inserted, err := g.store.TryInsert(ctx, model.NewIdempotencyRecord(key, operation, g.clock.Now()))
	if err != nil {
		return zero, fmt.Errorf("idempotency insert: %w", err)
	}
	if inserted {
		g.decision(operation, "executed")
		return run(ctx, g, log, key, fn)
	}

	rec, err := g.store.Get(ctx, key)
	if err != nil {
		return zero, fmt.Errorf("idempotency get: %w", err)
	}
	if rec == nil {
		log.Error("idempotency conflict without record")
		return zero, ErrRecordMissing
	}
	if rec.Operation != operation {
		g.decision(operation, "reused")
		return zero, ErrKeyReused
	}
	if rec.IsExpired(g.clock.Now(), g.ttl) {
		g.decision(operation, "expired")
		return zero, ErrKeyExpired
	}

	switch rec.Status {
	case model.IdempotencyCompleted:
		if len(rec.Result) > 0 {
			var cached T
			err := json.Unmarshal(rec.Result, &cached)
			if err == nil {
				g.decision(operation, "replayed")
				return cached, nil
			}
			log.Warn("cached result unreadable, executing again", zap.Error(err))
		}
		g.decision(operation, "executed")
		return run(ctx, g, log, key, fn)

	case model.IdempotencyFailed:
		ok, err := g.store.Reclaim(ctx, key)
		if err != nil {
			return zero, fmt.Errorf("idempotency reclaim: %w", err)
		}
		if !ok {
			g.decision(operation, "in_flight")
			return zero, ErrInFlight
		}
		g.decision(operation, "retried")
		return run(ctx, g, log, key, fn)

	default:
		g.decision(operation, "in_flight")
		return zero, ErrInFlight
	}
}

func run[T any](ctx context.Context, g *Guard, log *zap.Logger, key string, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)

	// The record must reflect the outcome even when the caller gave up.
	bg := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-operation: leave InProgress until the TTL runs out.
			log.Warn("operation cancelled, key stays in progress", zap.Error(err))
			return out, err
		}
		if merr := g.store.MarkFailed(bg, key, g.clock.Now()); merr != nil {
			log.Error("mark idempotency key failed", zap.Error(merr))
		}
		return out, err
	}

	payload, merr := json.Marshal(out)
	if merr != nil {
		log.Error("encode result for idempotency cache", zap.Error(merr))
		_ = g.store.MarkFailed(bg, key, g.clock.Now())
		return out, nil
	}
	if merr := g.store.MarkCompleted(bg, key, payload, g.clock.Now()); merr != nil {
		log.Error("mark idempotency key completed", zap.Error(merr))
	}
	return out, nil
}

func (g *Guard) decision(operation, d string) {
	metrics.IdempotencyDecisions.WithLabelValues(operation, d).Inc()
}
