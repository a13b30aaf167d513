// Package model defines domain entities used by services and repositories.
package model

import (
	"bytes"
	"net/mail"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Account is the identity root owning a set of emails.
type Account struct {
	ID           uuid.UUID  // PK
	Role         string     // platform role ("user", "support", "admin")
	PrimaryEmail *uuid.UUID // FK -> emails.id, nil if unset
	CreatedAt    time.Time
}

// Email is a single address owned by an account.
type Email struct {
	ID         uuid.UUID // PK
	UserID     uuid.UUID // FK -> users.id
	Address    string    // normalized, unique across all emails
	IsVerified bool      // flipped by the external verification flow
	CreatedAt  time.Time
}

// EmailView is an Email annotated for listing.
type EmailView struct {
	Email
	IsPrimary bool
}

// EmailFilter narrows a paginated email query.
type EmailFilter struct {
	UserID uuid.UUID
}

// Page limits.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
)

// Cursor is the (created_at, id) position of the last row of a page. It does
// not depend on that row still existing.
type Cursor struct {
	CreatedAt time.Time
	ID        uuid.UUID
}

// CursorOf returns the position of e.
func CursorOf(e Email) Cursor { return Cursor{CreatedAt: e.CreatedAt, ID: e.ID} }

// IsZero reports whether c is the start of the listing.
func (c Cursor) IsZero() bool { return c.ID == uuid.Nil && c.CreatedAt.IsZero() }

// Precedes reports whether e sorts strictly after c in creation order.
func (c Cursor) Precedes(e Email) bool {
	return CompareEmails(Email{ID: c.ID, CreatedAt: c.CreatedAt}, e) < 0
}

// CompareEmails orders emails by (CreatedAt, ID), the listing order.
func CompareEmails(a, b Email) int {
	switch {
	case a.CreatedAt.Before(b.CreatedAt):
		return -1
	case a.CreatedAt.After(b.CreatedAt):
		return 1
	}
	return bytes.Compare(a.ID[:], b.ID[:])
}

// PageQuery is a keyset page request in creation order.
// After is the cursor of the previous page (zero for the first page).
type PageQuery struct {
	After Cursor
	Limit int
}

// Normalized returns q with Limit clamped to [1, MaxPageLimit].
func (q PageQuery) Normalized() PageQuery {
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultPageLimit
	case q.Limit > MaxPageLimit:
		q.Limit = MaxPageLimit
	}
	return q
}

// Page is one page of results. Next is the cursor for the following page when HasMore.
type Page[T any] struct {
	Data    []T
	HasMore bool
	Next    Cursor
}

// NormalizeAddress trims and lower-cases an address for storage and comparison.
func NormalizeAddress(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// ValidAddress reports whether a normalized address is a bare addr-spec.
func ValidAddress(address string) bool {
	if address == "" || len(address) > 320 {
		return false
	}
	a, err := mail.ParseAddress(address)
	if err != nil {
		return false
	}
	// reject display-name forms like "Bob <bob@example.com>"
	return a.Address == address && a.Name == ""
}
