// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mailkeeper/internal/model"
)

// EmailRepository provides typed access to email and account records.
type EmailRepository interface {
	// CreateEmail inserts a new unverified email. Returns errs.ErrDuplicateEmail on address collision.
	CreateEmail(ctx context.Context, address string, userID uuid.UUID) (*model.Email, error)
	// GetEmail loads an email by ID.
	GetEmail(ctx context.Context, id uuid.UUID) (*model.Email, error)
	// GetVerifiedEmails returns verified emails of a user in creation order.
	GetVerifiedEmails(ctx context.Context, userID uuid.UUID) ([]model.Email, error)
	// GetPrimaryEmail returns the user's primary email, errs.ErrNotFound if unset.
	GetPrimaryEmail(ctx context.Context, userID uuid.UUID) (*model.Email, error)
	// DeleteEmail removes an email record.
	DeleteEmail(ctx context.Context, id uuid.UUID) error
	// UpdateAccountPrimaryEmail points the account at emailID (nil clears it).
	UpdateAccountPrimaryEmail(ctx context.Context, userID uuid.UUID, emailID *uuid.UUID) error
	// FindByAddress looks an email up by normalized address, errs.ErrNotFound if none.
	FindByAddress(ctx context.Context, address string) (*model.Email, error)
	// Paginate returns one page of emails matching filter in creation order.
	Paginate(ctx context.Context, filter model.EmailFilter, q model.PageQuery) (model.Page[model.Email], error)
}

// EmailStore is an EmailRepository with a per-account mutual-exclusion scope.
type EmailStore interface {
	EmailRepository
	// WithinAccount runs fn while holding the account's exclusive scope.
	// Writes made through the repository passed to fn are committed only if fn returns nil.
	WithinAccount(ctx context.Context, userID uuid.UUID, fn func(EmailRepository) error) error
}

// EventSink durably appends lifecycle events.
type EventSink interface {
	Append(ctx context.Context, ev model.Event) error
}

// LogWriter appends application log entries in batches.
type LogWriter interface {
	AppendLogs(ctx context.Context, entries []model.LogEntry) error
}

// LogStore is the time-series store holding request/application logs.
type LogStore interface {
	// DeleteLogsBefore removes all records with date <= cutoff and reports how many.
	DeleteLogsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
