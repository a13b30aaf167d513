package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/mailkeeper/internal/errs"
	"github.com/and161185/mailkeeper/internal/model"
	"github.com/and161185/mailkeeper/internal/repository"
)

// EmailRepo implements EmailStore using PostgreSQL.
type EmailRepo struct {
	db *DB
	q  querier // pool, or the tx inside WithinAccount
}

var _ repository.EmailStore = (*EmailRepo)(nil)

// NewEmailRepo constructs an email repository.
func NewEmailRepo(db *DB) *EmailRepo { return &EmailRepo{db: db, q: db.Pool} }

const emailCols = `id, user_id, email, is_verified, created_at`

func scanEmail(row pgx.Row) (*model.Email, error) {
	var e model.Email
	if err := row.Scan(&e.ID, &e.UserID, &e.Address, &e.IsVerified, &e.CreatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEmails(rows pgx.Rows) ([]model.Email, error) {
	defer rows.Close()
	var out []model.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, errs.Transient(err)
		}
		out = append(out, *e)
	}
	return out, errs.Transient(rows.Err())
}

func lookupErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return errs.ErrNotFound
	}
	return errs.Transient(err)
}

// WithinAccount locks the account row for the duration of a transaction running fn.
func (r *EmailRepo) WithinAccount(
	ctx context.Context, userID uuid.UUID, fn func(repository.EmailRepository) error,
) (err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errs.Transient(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = errs.Transient(e)
		}
	}()

	const lock = `SELECT id FROM users WHERE id=$1 FOR UPDATE`
	var id uuid.UUID
	if err = tx.QueryRow(ctx, lock, userID).Scan(&id); err != nil {
		return lookupErr(err)
	}
	return fn(&EmailRepo{db: r.db, q: tx})
}

// CreateEmail inserts an unverified email row.
func (r *EmailRepo) CreateEmail(ctx context.Context, address string, userID uuid.UUID) (*model.Email, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO emails (id, user_id, email, is_verified)
VALUES ($1, $2, $3, false)
RETURNING created_at`
	var created time.Time
	if err := r.q.QueryRow(ctx, q, id, userID, address).Scan(&created); err != nil {
		switch {
		case isUniqueViolation(err):
			return nil, errs.ErrDuplicateEmail
		case isForeignKeyViolation(err):
			return nil, errs.ErrNotFound
		}
		return nil, errs.Transient(err)
	}
	return &model.Email{ID: id, UserID: userID, Address: address, CreatedAt: created}, nil
}

// GetEmail selects an email by ID.
func (r *EmailRepo) GetEmail(ctx context.Context, id uuid.UUID) (*model.Email, error) {
	const q = `SELECT ` + emailCols + ` FROM emails WHERE id=$1`
	e, err := scanEmail(r.q.QueryRow(ctx, q, id))
	if err != nil {
		return nil, lookupErr(err)
	}
	return e, nil
}

// GetVerifiedEmails selects verified emails of a user, oldest first.
func (r *EmailRepo) GetVerifiedEmails(ctx context.Context, userID uuid.UUID) ([]model.Email, error) {
	const q = `
SELECT ` + emailCols + `
FROM emails
WHERE user_id=$1 AND is_verified
ORDER BY created_at ASC, id ASC`
	rows, err := r.q.Query(ctx, q, userID)
	if err != nil {
		return nil, errs.Transient(err)
	}
	return scanEmails(rows)
}

// GetPrimaryEmail selects the email referenced by users.primary_email.
func (r *EmailRepo) GetPrimaryEmail(ctx context.Context, userID uuid.UUID) (*model.Email, error) {
	const q = `
SELECT e.id, e.user_id, e.email, e.is_verified, e.created_at
FROM users u JOIN emails e ON e.id = u.primary_email
WHERE u.id=$1`
	e, err := scanEmail(r.q.QueryRow(ctx, q, userID))
	if err != nil {
		return nil, lookupErr(err)
	}
	return e, nil
}

// DeleteEmail removes an email row.
func (r *EmailRepo) DeleteEmail(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM emails WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, id)
	if err != nil {
		return errs.Transient(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// UpdateAccountPrimaryEmail sets or clears users.primary_email.
func (r *EmailRepo) UpdateAccountPrimaryEmail(ctx context.Context, userID uuid.UUID, emailID *uuid.UUID) error {
	var ref uuid.NullUUID
	if emailID != nil {
		ref = uuid.NullUUID{UUID: *emailID, Valid: true}
	}
	const q = `UPDATE users SET primary_email=$2 WHERE id=$1`
	tag, err := r.q.Exec(ctx, q, userID, ref)
	if err != nil {
		if isForeignKeyViolation(err) {
			return errs.ErrNotFound
		}
		return errs.Transient(err)
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// FindByAddress selects an email by case-insensitive address.
func (r *EmailRepo) FindByAddress(ctx context.Context, address string) (*model.Email, error) {
	const q = `SELECT ` + emailCols + ` FROM emails WHERE lower(email)=lower($1)`
	e, err := scanEmail(r.q.QueryRow(ctx, q, address))
	if err != nil {
		return nil, lookupErr(err)
	}
	return e, nil
}

// Paginate returns a keyset page of a user's emails ordered by (created_at, id).
func (r *EmailRepo) Paginate(ctx context.Context, filter model.EmailFilter, pq model.PageQuery) (model.Page[model.Email], error) {
	pq = pq.Normalized()
	const first = `
SELECT ` + emailCols + `
FROM emails
WHERE user_id=$1
ORDER BY created_at ASC, id ASC
LIMIT $2`
	const after = `
SELECT ` + emailCols + `
FROM emails
WHERE user_id=$1 AND (created_at, id) > ($3, $4)
ORDER BY created_at ASC, id ASC
LIMIT $2`

	var (
		rows pgx.Rows
		err  error
	)
	if pq.After.IsZero() {
		rows, err = r.q.Query(ctx, first, filter.UserID, pq.Limit+1)
	} else {
		rows, err = r.q.Query(ctx, after, filter.UserID, pq.Limit+1, pq.After.CreatedAt, pq.After.ID)
	}
	if err != nil {
		return model.Page[model.Email]{}, errs.Transient(err)
	}
	list, err := scanEmails(rows)
	if err != nil {
		return model.Page[model.Email]{}, err
	}

	page := model.Page[model.Email]{Data: list}
	if len(list) > pq.Limit {
		page.Data = list[:pq.Limit]
		page.HasMore = true
		page.Next = model.CursorOf(page.Data[pq.Limit-1])
	}
	if page.Data == nil {
		page.Data = []model.Email{}
	}
	return page, nil
}
