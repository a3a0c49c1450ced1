package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmehdipour/onboarding/internal/model"
	"github.com/jmoiron/sqlx"
)

// UsersRepository persists the user aggregate. Reads never return soft-deleted users.
type UsersRepository interface {
	GetByID(ctx context.Context, id string) (*model.User, error)
	GetByEmail(ctx context.Context, email string) (*model.User, error)
	GetByExternalRef(ctx context.Context, ref string) (*model.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
	Insert(ctx context.Context, tx *sqlx.Tx, u *model.User) error
	Update(ctx context.Context, tx *sqlx.Tx, u *model.User) error
}

type UsersRepositoryImpl struct {
	db *sqlx.DB
}

func NewUsersRepository(db *sqlx.DB) *UsersRepositoryImpl {
	return &UsersRepositoryImpl{db: db}
}

var _ UsersRepository = (*UsersRepositoryImpl)(nil)

const userColumns = `id, email, name, status, external_ref, is_deleted, created_at, updated_at`

func (r *UsersRepositoryImpl) getOne(ctx context.Context, where string, arg any) (*model.User, error) {
	var s model.UserSnapshot
	err := r.db.GetContext(ctx, &s,
		`SELECT `+userColumns+` FROM users WHERE `+where+` AND is_deleted = 0 LIMIT 1`, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return model.RestoreUser(s), nil
}

func (r *UsersRepositoryImpl) GetByID(ctx context.Context, id string) (*model.User, error) {
	return r.getOne(ctx, "id = ?", id)
}

func (r *UsersRepositoryImpl) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.getOne(ctx, "email = ?", model.NormalizeEmail(email))
}

func (r *UsersRepositoryImpl) GetByExternalRef(ctx context.Context, ref string) (*model.User, error) {
	return r.getOne(ctx, "external_ref = ?", ref)
}

func (r *UsersRepositoryImpl) ExistsByEmail(ctx context.Context, email string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n,
		`SELECT COUNT(1) FROM users WHERE email = ? AND is_deleted = 0`, model.NormalizeEmail(email))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Insert adds a user row. A taken email surfaces as ErrDuplicate.
func (r *UsersRepositoryImpl) Insert(ctx context.Context, tx *sqlx.Tx, u *model.User) error {
	const q = `
		INSERT INTO users
		    (id, email, name, status, external_ref, is_deleted, created_at, updated_at)
		VALUES
		    (:id, :email, :name, :status, :external_ref, :is_deleted, :created_at, :updated_at)
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		if _, err := tx.NamedExecContext(ctx, q, u.Snapshot()); err != nil {
			if IsDuplicateKey(err) {
				return ErrDuplicate
			}
			return err
		}
		return nil
	})
}

func (r *UsersRepositoryImpl) Update(ctx context.Context, tx *sqlx.Tx, u *model.User) error {
	const q = `
		UPDATE users
		   SET name = :name, status = :status, external_ref = :external_ref,
		       is_deleted = :is_deleted, updated_at = :updated_at
		 WHERE id = :id
	`
	return withTx(ctx, r.db, tx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, u.Snapshot())
		if IsDuplicateKey(err) {
			return ErrDuplicate
		}
		return err
	})
}
