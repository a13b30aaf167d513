package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/mailkeeper/internal/authz"
)

// GrantRepo resolves actor roles from access_grants, falling back to the
// platform role. Grants are written by the identity subsystem.
type GrantRepo struct{ db *DB }

var _ authz.RoleSource = (*GrantRepo)(nil)

// NewGrantRepo constructs a role source.
func NewGrantRepo(db *DB) *GrantRepo { return &GrantRepo{db: db} }

// RoleFor returns the role name of actorID on the resource, or "" if none.
func (r *GrantRepo) RoleFor(ctx context.Context, actorID uuid.UUID, rt authz.ResourceType, resourceID uuid.UUID) (string, error) {
	const q = `
SELECT COALESCE(
  (SELECT role FROM access_grants WHERE actor_id=$1 AND resource_type=$2 AND resource_id=$3),
  (SELECT role FROM users WHERE id=$1),
  '')`
	var role string
	if err := r.db.Pool.QueryRow(ctx, q, actorID, string(rt), resourceID).Scan(&role); err != nil {
		return "", err
	}
	return role, nil
}
