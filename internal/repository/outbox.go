package repository

import (
	"context"
	"time"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox table.
type OutboxRepository interface {
	// Insert writes outbox events. If tx is nil, it will open/commit an
	// internal transaction; otherwise it uses the given tx.
	Insert(ctx context.Context, tx *sqlx.Tx, events ...model.OutboxEvent) error
	// FetchPending returns unprocessed, live events oldest first.
	FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkProcessed(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a delivery failure and dead-letters the event once
	// attempts reach maxAttempts (0 retries forever).
	MarkFailed(ctx context.Context, id, reason string, maxAttempts int, at time.Time) (bool, error)
}

// OutboxRepositoryImpl is a sqlx-backed implementation.
type OutboxRepositoryImpl struct {
	db *sqlx.DB
}

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db}
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

const maxErrorLen = 1024

func (r *OutboxRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, events ...model.OutboxEvent) error {
	if len(events) == 0 {
		return nil
	}
	const q = `
		INSERT INTO outbox_events (id, aggregate_id, type, payload, occurred_at, attempts)
		VALUES (:id, :aggregate_id, :type, :payload, :occurred_at, 0)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		for _, e := range events {
			if _, err := tx.NamedExecContext(ctx, q, e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *OutboxRepositoryImpl) FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []model.OutboxEvent
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, aggregate_id, type, payload, occurred_at, processed_at,
		       last_error, attempts, dead_lettered_at
		  FROM outbox_events
		 WHERE processed_at IS NULL AND dead_lettered_at IS NULL
		 ORDER BY occurred_at, id
		 LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE outbox_events SET processed_at = ?, last_error = NULL WHERE id = ?`, at, id)
	return err
}

func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, id, reason string, maxAttempts int, at time.Time) (bool, error) {
	if len(reason) > maxErrorLen {
		reason = reason[:maxErrorLen]
	}
	var dead bool
	err := withTx(ctx, r.db, nil, func(tx *sqlx.Tx) error {
		var attempts int
		if err := tx.GetContext(ctx, &attempts,
			`SELECT attempts FROM outbox_events WHERE id = ? FOR UPDATE`, id); err != nil {
			return err
		}
		attempts++
		dead = maxAttempts > 0 && attempts >= maxAttempts

		var deadAt *time.Time
		if dead {
			deadAt = &at
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox_events
			   SET attempts = ?, last_error = ?, dead_lettered_at = ?
			 WHERE id = ?
		`, attempts, reason, deadAt, id)
		return err
	})
	return dead, err
}
