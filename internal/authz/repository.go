package authz

import "context"

// Reader exposes read operations shared by the pool-backed repository and the
// transactional view.
type Reader interface {
	GetPermissionByCode(ctx context.Context, code string) (Permission, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, orgID int64, name string) (Role, error)
	ListRoles(ctx context.Context, orgID int64) ([]Role, error)
	// RolePermissionCodes returns the codes granted directly to the role.
	RolePermissionCodes(ctx context.Context, roleID int64) ([]string, error)
	// RoleInheritedIDs returns the direct inheritance edges of the role.
	RoleInheritedIDs(ctx context.Context, roleID int64) ([]int64, error)
	// RoleDependentIDs returns roles that directly inherit the given role.
	RoleDependentIDs(ctx context.Context, roleID int64) ([]int64, error)
	// SeedState returns the persisted seed version for the organization,
	// zero when the organization was never seeded.
	SeedState(ctx context.Context, orgID int64) (int, error)
}

// RepositoryPort defines data access for the authorization engine.
type RepositoryPort interface {
	Reader

	// ActiveAssignedRole resolves the role assignment of the active
	// membership for (user, org). ok is false when no active membership
	// exists.
	ActiveAssignedRole(ctx context.Context, userID, orgID int64) (assigned AssignedRole, ok bool, err error)

	// ActiveUserIDsForRoles lists user IDs of active memberships in the
	// organization whose assigned role is one of roleIDs. Used to compute
	// the cache entries affected by a role-graph mutation.
	ActiveUserIDsForRoles(ctx context.Context, orgID int64, roleIDs []int64) ([]int64, error)

	// WithTx runs fn inside one storage transaction.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes transactional mutations.
type TxRepository interface {
	Reader

	// EnsurePermission inserts the permission if the code is absent and
	// returns the stored row either way. Registration is declarative: an
	// existing row wins regardless of description mismatch.
	EnsurePermission(ctx context.Context, code, description string) (Permission, error)
	// CreateRole inserts a role. Duplicate (org, name) maps to ErrConflict.
	CreateRole(ctx context.Context, role Role) (Role, error)
	// GrantPermission adds a role→permission edge, idempotently.
	GrantPermission(ctx context.Context, roleID, permissionID int64) error
	// AddInheritanceEdge inserts a role→inherited edge, idempotently.
	// Cycle and same-org validation happen in the service before this call.
	AddInheritanceEdge(ctx context.Context, roleID, inheritedRoleID int64) error
	// SetSeedState records the seed version for the organization.
	SetSeedState(ctx context.Context, orgID int64, version int) error
}
