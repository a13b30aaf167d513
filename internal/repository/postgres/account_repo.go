package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
)

// AccountRepo bootstraps account rows. Account lifecycle is owned by the
// identity subsystem; this only seeds dev accounts.
type AccountRepo struct{ db *DB }

// NewAccountRepo constructs an account repository.
func NewAccountRepo(db *DB) *AccountRepo { return &AccountRepo{db: db} }

// CreateAccount inserts a new account with the given platform role.
func (r *AccountRepo) CreateAccount(ctx context.Context, role string) (model.Account, error) {
	const q = `
INSERT INTO users (id, role)
VALUES ($1, $2)
RETURNING created_at`
	a := model.Account{ID: uuid.Must(uuid.NewV4()), Role: role}
	if err := r.db.Pool.QueryRow(ctx, q, a.ID, role).Scan(&a.CreatedAt); err != nil {
		return model.Account{}, errs.Transient(err)
	}
	return a, nil
}
