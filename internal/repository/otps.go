package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmoiron/sqlx"
)

type OtpsRepository interface {
	GetByEmailAndCode(ctx context.Context, email, code string) (*model.Otp, error)
	GetLatestByEmail(ctx context.Context, email string) (*model.Otp, error)
	Insert(ctx context.Context, tx *sqlx.Tx, o *model.Otp) error
	// MarkUsed persists a consumed code. It returns model.ErrOtpAlreadyUsed
	// when another transaction consumed the code first.
	MarkUsed(ctx context.Context, tx *sqlx.Tx, o *model.Otp) error
}

type OtpsRepositoryImpl struct {
	db *sqlx.DB
}

func NewOtpsRepository(db *sqlx.DB) *OtpsRepositoryImpl {
	return &OtpsRepositoryImpl{db: db}
}

var _ OtpsRepository = (*OtpsRepositoryImpl)(nil)

const otpColumns = `id, email, code, expires_at, used, created_at`

func (r *OtpsRepositoryImpl) get(ctx context.Context, q string, args ...any) (*model.Otp, error) {
	var s model.OtpSnapshot
	err := r.db.GetContext(ctx, &s, q, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.RestoreOtp(s), nil
}

// GetByEmailAndCode returns the newest code matching both email and code.
func (r *OtpsRepositoryImpl) GetByEmailAndCode(ctx context.Context, email, code string) (*model.Otp, error) {
	return r.get(ctx, `
		SELECT `+otpColumns+`
		  FROM user_otps
		 WHERE email = ? AND code = ?
		 ORDER BY created_at DESC LIMIT 1
	`, model.NormalizeEmail(email), code)
}

func (r *OtpsRepositoryImpl) GetLatestByEmail(ctx context.Context, email string) (*model.Otp, error) {
	return r.get(ctx, `
		SELECT `+otpColumns+`
		  FROM user_otps
		 WHERE email = ?
		 ORDER BY created_at DESC LIMIT 1
	`, model.NormalizeEmail(email))
}

func (r *OtpsRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, o *model.Otp) error {
	const q = `
		INSERT INTO user_otps (id, email, code, expires_at, used, created_at)
		VALUES (:id, :email, :code, :expires_at, :used, :created_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, o.Snapshot())
		return err
	})
}

func (r *OtpsRepositoryImpl) MarkUsed(ctx context.Context, tx *sqlx.Tx, o *model.Otp) error {
	const q = `UPDATE user_otps SET used = 1 WHERE id = ? AND used = 0`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, q, o.ID())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return model.ErrOtpAlreadyUsed
		}
		return nil
	})
}
