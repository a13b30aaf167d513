package model

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// EventKind enumerates recorded lifecycle facts.
type EventKind string

const (
	EventEmailCreated EventKind = "EMAIL_CREATED"
	EventEmailDeleted EventKind = "EMAIL_DELETED"
)

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventEmailCreated, EventEmailDeleted:
		return true
	}
	return false
}

// Event is a write-once audit record of a committed transition.
type Event struct {
	ActorID   uuid.UUID         // who acted
	AccountID uuid.UUID         // whose emails changed
	Kind      EventKind
	Payload   map[string]string // e.g. {"email": "a@b.c"}
	Timestamp time.Time
}

// RequestMeta describes the request an event originates from.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type requestMetaKey struct{}

// WithRequestMeta attaches request metadata to ctx.
func WithRequestMeta(ctx context.Context, m RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, m)
}

// RequestMetaFrom returns the metadata stored by WithRequestMeta.
func RequestMetaFrom(ctx context.Context) (RequestMeta, bool) {
	m, ok := ctx.Value(requestMetaKey{}).(RequestMeta)
	return m, ok
}
