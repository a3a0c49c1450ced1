package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmoiron/sqlx"
)

// IdempotencyRepository stores idempotency records. The unique index on
// idem_key is the only concurrency gate for duplicate commands.
type IdempotencyRepository interface {
	// TryInsert creates an in-progress record; false means the key already exists.
	TryInsert(ctx context.Context, rec model.IdempotencyRecord) (bool, error)
	Get(ctx context.Context, key string) (*model.IdempotencyRecord, error)
	// Reclaim flips a failed record back to in-progress for a retry; false
	// means another caller reclaimed it first.
	Reclaim(ctx context.Context, key string) (bool, error)
	MarkCompleted(ctx context.Context, key string, result []byte, at time.Time) error
	MarkFailed(ctx context.Context, key string, at time.Time) error
}

type IdempotencyRepositoryImpl struct {
	db *sqlx.DB
}

func NewIdempotencyRepository(db *sqlx.DB) *IdempotencyRepositoryImpl {
	return &IdempotencyRepositoryImpl{db: db}
}

var _ IdempotencyRepository = (*IdempotencyRepositoryImpl)(nil)

func (r *IdempotencyRepositoryImpl) TryInsert(ctx context.Context, rec model.IdempotencyRecord) (bool, error) {
	const q = `
		INSERT INTO idempotency_keys (idem_key, operation, status, created_at)
		VALUES (?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, q, rec.Key, rec.Operation, rec.Status.String(), rec.CreatedAt)
	if IsDuplicateKey(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *IdempotencyRepositoryImpl) Get(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	var rec model.IdempotencyRecord
	err := r.db.GetContext(ctx, &rec, `
		SELECT idem_key, operation, status, result, created_at, completed_at
		  FROM idempotency_keys
		 WHERE idem_key = ? LIMIT 1
	`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *IdempotencyRepositoryImpl) Reclaim(ctx context.Context, key string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		   SET status = 'in_progress', completed_at = NULL, result = NULL
		 WHERE idem_key = ? AND status = 'failed'
	`, key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *IdempotencyRepositoryImpl) MarkCompleted(ctx context.Context, key string, result []byte, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		   SET status = 'completed', result = ?, completed_at = ?
		 WHERE idem_key = ?
	`, result, at, key)
	return err
}

func (r *IdempotencyRepositoryImpl) MarkFailed(ctx context.Context, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		   SET status = 'failed', result = NULL, completed_at = ?
		 WHERE idem_key = ? AND status = 'in_progress'
	`, at, key)
	return err
}
