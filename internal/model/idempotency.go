package model

import "time"

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

func (s IdempotencyStatus) String() string { return string(s) }

// IdempotencyRecord guards one client-supplied key for one operation.
type IdempotencyRecord struct {
	Key         string            `db:"idem_key"`
	Operation   string            `db:"operation"`
	Status      IdempotencyStatus `db:"status"`
	Result      []byte            `db:"result"` // set only when completed
	CreatedAt   time.Time         `db:"created_at"`
	CompletedAt *time.Time        `db:"completed_at"`
}

func NewIdempotencyRecord(key, operation string, now time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		Key:       key,
		Operation: operation,
		Status:    IdempotencyInProgress,
		CreatedAt: now,
	}
}

// IsExpired reports whether the record outlived ttl, whatever its status.
func (r IdempotencyRecord) IsExpired(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.CreatedAt) > ttl
}
