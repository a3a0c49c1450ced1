package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// UserEventRow is the ClickHouse projection of a delivered outbox event.
type UserEventRow struct {
	EventID     string    `db:"event_id"`
	UserID      string    `db:"user_id"`
	Type        string    `db:"type"`
	Payload     string    `db:"payload"`
	OccurredAt  time.Time `db:"occurred_at"`
	DeliveredAt time.Time `db:"delivered_at"`
}

// CHUserEventsRepository appends to and reads the onboarding.user_events table.
type CHUserEventsRepository interface {
	Append(ctx context.Context, row UserEventRow) error
	ListByUser(ctx context.Context, userID, eventType string, limit, offset int) ([]UserEventRow, error)
}

type chUserEventsRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHUserEventsRepository(ch *sqlx.DB) CHUserEventsRepository {
	return &chUserEventsRepository{ch: ch}
}

// Append inserts one row. The table is a ReplacingMergeTree keyed on
// event_id, so redelivered events collapse on merge.
func (r *chUserEventsRepository) Append(ctx context.Context, row UserEventRow) error {
	_, err := r.ch.ExecContext(ctx, `
		INSERT INTO onboarding.user_events
		    (event_id, user_id, type, payload, occurred_at, delivered_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, row.EventID, row.UserID, row.Type, row.Payload, row.OccurredAt, row.DeliveredAt)
	return err
}

func (r *chUserEventsRepository) ListByUser(ctx context.Context, userID, eventType string, limit, offset int) ([]UserEventRow, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	q := `
		SELECT event_id, user_id, type, payload, occurred_at, delivered_at
		FROM onboarding.user_events FINAL
		WHERE user_id = ?
	`
	args := []any{userID}

	if eventType != "" {
		q += " AND type = ?"
		args = append(args, eventType)
	}

	q += " ORDER BY occurred_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	var rows []UserEventRow
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
