// Package authz decides whether an actor may perform a scoped action on a resource.
package authz

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mailkeeper/internal/errs"
)

// Scope is a named permission unit.
type Scope int

const (
	ScopeReadEmails Scope = iota + 1
	ScopeCreateEmail
	ScopeDeleteEmail
	ScopeResendVerification
)

func (s Scope) String() string {
	switch s {
	case ScopeReadEmails:
		return "read-emails"
	case ScopeCreateEmail:
		return "create-email"
	case ScopeDeleteEmail:
		return "delete-email"
	case ScopeResendVerification:
		return "resend-verification"
	}
	return fmt.Sprintf("scope(%d)", int(s))
}

// ResourceType identifies the kind of resource a scope is checked against.
type ResourceType string

const ResourceUser ResourceType = "user"

// Role is the relation of an actor to a resource.
type Role int

const (
	RoleNone Role = iota
	RoleOwner
	RoleSupport
	RoleAdmin
)

// ParseRole maps a persisted role name to a Role. Unknown names grant nothing.
func ParseRole(s string) Role {
	switch s {
	case "owner":
		return RoleOwner
	case "support":
		return RoleSupport
	case "admin":
		return RoleAdmin
	}
	return RoleNone
}

// RoleSource resolves persisted role/membership data.
// It returns the role name of actorID on (rt, resourceID), or "" if none.
type RoleSource interface {
	RoleFor(ctx context.Context, actorID uuid.UUID, rt ResourceType, resourceID uuid.UUID) (string, error)
}

// Oracle is a side-effect free decision function over current role state.
type Oracle struct {
	roles RoleSource
}

// NewOracle constructs an Oracle backed by roles.
func NewOracle(roles RoleSource) *Oracle {
	return &Oracle{roles: roles}
}

// Can reports whether actorID holds scope on (rt, resourceID).
// A denial is (false, nil); an error means the role source could not be consulted.
func (o *Oracle) Can(ctx context.Context, actorID uuid.UUID, scope Scope, rt ResourceType, resourceID uuid.UUID) (bool, error) {
	if actorID == uuid.Nil || resourceID == uuid.Nil {
		return false, nil
	}
	if rt == ResourceUser && actorID == resourceID {
		return allows(RoleOwner, scope), nil
	}
	if o.roles == nil {
		return false, nil
	}
	name, err := o.roles.RoleFor(ctx, actorID, rt, resourceID)
	if err != nil {
		return false, errs.Transient(err)
	}
	return allows(ParseRole(name), scope), nil
}

// allows is the role x scope decision table.
func allows(role Role, scope Scope) bool {
	switch role {
	case RoleOwner, RoleAdmin:
		switch scope {
		case ScopeReadEmails, ScopeCreateEmail, ScopeDeleteEmail, ScopeResendVerification:
			return true
		}
	case RoleSupport:
		switch scope {
		case ScopeReadEmails, ScopeResendVerification:
			return true
		}
	case RoleNone:
	}
	return false
}
