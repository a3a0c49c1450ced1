package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutboxEvent is one domain event waiting for delivery. ProcessedAt == nil
// means pending; DeadLetteredAt != nil means delivery was abandoned.
type OutboxEvent struct {
	ID             string     `db:"id"`
	AggregateID    string     `db:"aggregate_id"` // user.ID
	Type           string     `db:"type"`
	Payload        []byte     `db:"payload"`
	OccurredAt     time.Time  `db:"occurred_at"`
	ProcessedAt    *time.Time `db:"processed_at"`
	LastError      *string    `db:"last_error"`
	Attempts       int        `db:"attempts"`
	DeadLetteredAt *time.Time `db:"dead_lettered_at"`
}

// NewOutboxEvent serializes e into a pending outbox row.
func NewOutboxEvent(id string, e Event) (OutboxEvent, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return OutboxEvent{}, fmt.Errorf("marshal %s: %w", e.EventType(), err)
	}
	return OutboxEvent{
		ID:          id,
		AggregateID: e.AggregateID(),
		Type:        e.EventType(),
		Payload:     payload,
		OccurredAt:  e.OccurredAt(),
	}, nil
}

func (e OutboxEvent) IsProcessed() bool { return e.ProcessedAt != nil }
