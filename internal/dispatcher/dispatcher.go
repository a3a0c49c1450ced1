package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmehdipour/onboarding/internal/logger"
	"github.com/jmehdipour/onboarding/internal/model"
	"go.uber.org/zap"
)

var ErrNoSinks = errors.New("no sinks configured")

// Dispatcher fans one outbox event out to every sink. A sink is retried up
// to attempts times before its error counts against the delivery.
type Dispatcher struct {
	sinks    []Sink
	attempts int
	log      *zap.Logger
}

func NewDispatcher(sinks []Sink, attempts int, log *zap.Logger) *Dispatcher {
	if attempts < 1 {
		attempts = 1
	}

	return &Dispatcher{sinks: sinks, attempts: attempts, log: logger.OrNop(log)}
}

func (d *Dispatcher) Sinks() []Sink { return d.sinks }

// Deliver hands ev to all sinks. Every sink is tried even when an earlier one
// fails; the joined error names each failing sink.
func (d *Dispatcher) Deliver(ctx context.Context, ev model.OutboxEvent) error {
	if len(d.sinks) == 0 {
		return ErrNoSinks
	}

	var errs []error
	for _, s := range d.sinks {
		if err := d.tryDeliver(ctx, s, ev); err != nil {
			d.log.Warn("sink delivery failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", ev.ID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("sink %s: %w", s.Name(), err))
		}
	}

	return errors.Join(errs...)
}

func (d *Dispatcher) tryDeliver(ctx context.Context, s Sink, ev model.OutboxEvent) error {
	var last error
	for i := 0; i < d.attempts; i++ {
		err := s.Deliver(ctx, ev)
		if err == nil {
			return nil
		}
		last = err
		if errors.Is(err, ErrBreakerOpen) || ctx.Err() != nil {
			break
		}
	}

	return last
}
