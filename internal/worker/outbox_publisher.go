package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/metrics"
	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmehdipour/onboarding/internal/repository"
	"github.com/jmehdipour/onboarding/internal/util"
	"go.uber.org/zap"
)

// Deliverer hands one outbox event to its consumers.
type Deliverer interface {
	Deliver(ctx context.Context, ev model.OutboxEvent) error
}

// OutboxPublisher:
// - polls pending outbox rows oldest first,
// - delivers them one by one,
// - marks each processed, or failed with the error text.
type OutboxPublisher struct {
	// Dependencies
	Outbox  repository.OutboxRepository
	Deliver Deliverer
	Clock   util.Clock
	Log     *zap.Logger

	// Behavior
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int // 0 = retry forever
}

// Stats summarizes one polling cycle.
type Stats struct {
	Fetched      int
	Processed    int
	Failed       int
	DeadLettered int
	Deferred     int
}

// NewOutboxPublisher builds a publisher with sane defaults.
func NewOutboxPublisher(outbox repository.OutboxRepository, d Deliverer, log *zap.Logger) *OutboxPublisher {
	return &OutboxPublisher{
		Outbox:       outbox,
		Deliver:      d,
		Clock:        util.SystemClock{},
		Log:          logger.OrNop(log),
		PollInterval: 10 * time.Second,
		BatchSize:    20,
		MaxAttempts:  10,
	}
}

// Run polls until ctx is cancelled. The first cycle starts immediately.
func (w *OutboxPublisher) Run(ctx context.Context) error {
	if w.PollInterval <= 0 {
		w.PollInterval = 10 * time.Second
	}
	if w.BatchSize <= 0 {
		w.BatchSize = 20
	}

	tick := time.NewTicker(w.PollInterval)
	defer tick.Stop()

	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.Log.Error("outbox poll failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

// RunOnce processes a single batch. Once an event of an aggregate fails,
// that aggregate's later events wait for the next cycle so its stream stays
// in order.
func (w *OutboxPublisher) RunOnce(ctx context.Context) (Stats, error) {
	var st Stats

	batch, err := w.Outbox.FetchPending(ctx, w.BatchSize)
	if err != nil {
		return st, fmt.Errorf("fetch pending: %w", err)
	}
	st.Fetched = len(batch)
	metrics.OutboxPending.Set(float64(len(batch)))

	blocked := make(map[string]bool)
	for _, ev := range batch {
		if ctx.Err() != nil {
			return st, nil
		}
		if blocked[ev.AggregateID] {
			st.Deferred++
			continue
		}

		if derr := w.deliverSafe(ctx, ev); derr != nil {
			blocked[ev.AggregateID] = true
			reason := derr.Error()
			if reason == "" {
				reason = "delivery failed"
			}
			dead, merr := w.Outbox.MarkFailed(ctx, ev.ID, reason, w.MaxAttempts, w.Clock.Now())
			if merr != nil {
				w.Log.Error("mark outbox event failed", zap.String("event_id", ev.ID), zap.Error(merr))
				continue
			}

			st.Failed++
			metrics.OutboxEventsTotal.WithLabelValues("failed").Inc()
			if dead {
				st.DeadLettered++
				metrics.OutboxEventsTotal.WithLabelValues("dead_lettered").Inc()
				w.Log.Error("outbox event dead-lettered",
					zap.String("event_id", ev.ID),
					zap.String("type", ev.Type),
					zap.Int("attempts", ev.Attempts+1),
					zap.Error(derr),
				)
				// The stream moves on past a dead-lettered event.
				delete(blocked, ev.AggregateID)
			}
			continue
		}

		if err := w.Outbox.MarkProcessed(ctx, ev.ID, w.Clock.Now()); err != nil {
			// Delivered but not recorded; it will be delivered again.
			w.Log.Error("mark outbox event processed", zap.String("event_id", ev.ID), zap.Error(err))
			blocked[ev.AggregateID] = true
			continue
		}
		st.Processed++
		metrics.OutboxEventsTotal.WithLabelValues("processed").Inc()
	}

	if st.Fetched > 0 {
		w.Log.Info("outbox batch done",
			zap.Int("fetched", st.Fetched),
			zap.Int("processed", st.Processed),
			zap.Int("failed", st.Failed),
			zap.Int("dead_lettered", st.DeadLettered),
			zap.Int("deferred", st.Deferred),
		)
	}
	return st, nil
}

// deliverSafe turns a panicking sink into an ordinary delivery error.
func (w *OutboxPublisher) deliverSafe(ctx context.Context, ev model.OutboxEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery panic: %v", r)
		}
	}()
	return w.Deliver.Deliver(ctx, ev)
}
