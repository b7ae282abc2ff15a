package rbac

import (
	"context"
	"time"
)

// Store describes persistence operations required by the RBAC engine.
type Store interface {
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)
	GetRoleByName(ctx context.Context, name string) (*Role, error)
	ListRoles(ctx context.Context) ([]*Role, error)
	RolesByIDs(ctx context.Context, ids []string) ([]*Role, error)
	UpdateRole(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	DeleteRole(ctx context.Context, id string) error
	CountRoles(ctx context.Context) (int, error)

	CreateAssignment(ctx context.Context, assignment *UserRole) error
	// FindActiveAssignment returns the active, unexpired assignment for the
	// exact (user, role, team) triple, or ErrNotFound.
	FindActiveAssignment(ctx context.Context, userID, roleID, teamID string, now time.Time) (*UserRole, error)
	// ActiveAssignments returns active, unexpired assignments for the user.
	// When teamID is non-empty, team-scoped assignments for other teams are
	// excluded; global (unscoped) assignments are always included.
	ActiveAssignments(ctx context.Context, userID, teamID string, now time.Time) ([]*UserRole, error)
	DeactivateAssignment(ctx context.Context, id string) error
	CountActiveAssignments(ctx context.Context, roleID string, now time.Time) (int, error)
	// UserIDsWithRole lists users holding any active assignment of the role,
	// used for targeted cache invalidation on role-definition changes.
	UserIDsWithRole(ctx context.Context, roleID string, now time.Time) ([]string, error)
}
