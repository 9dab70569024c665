package memberships

import (
	"context"
	"time"
)

// RepositoryPort defines data access for the membership lifecycle.
type RepositoryPort interface {
	GetMembership(ctx context.Context, id int64) (Membership, error)
	GetByOrgUser(ctx context.Context, orgID, userID int64) (Membership, error)
	ListByOrganization(ctx context.Context, orgID int64) ([]Membership, error)
	// ListLegacy returns the organization's memberships still carrying a
	// legacy role label instead of a role reference.
	ListLegacy(ctx context.Context, orgID int64) ([]Membership, error)
	// OrganizationsWithLegacyRoles lists organizations that still have
	// legacy-labeled memberships. Drives the backfill sweep.
	OrganizationsWithLegacyRoles(ctx context.Context) ([]int64, error)

	// WithTx runs fn inside one storage transaction. Guard checks and the
	// writes they protect must share a transaction, never check-then-write
	// across two.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the transactional reads and mutations the guard runs.
type TxRepository interface {
	// GetMembershipForUpdate reads the membership row with a row lock, so two
	// concurrent mutations of the same membership serialize.
	GetMembershipForUpdate(ctx context.Context, id int64) (Membership, error)
	GetByOrgUser(ctx context.Context, orgID, userID int64) (Membership, error)

	// RoleOrganization returns the owning organization of the role.
	RoleOrganization(ctx context.Context, roleID int64) (int64, error)
	// RoleIDByName resolves an org-scoped role name.
	RoleIDByName(ctx context.Context, orgID int64, name string) (int64, error)
	// RoleHoldsPermission reports whether the role grants the code, directly
	// or through inheritance.
	RoleHoldsPermission(ctx context.Context, roleID int64, code string) (bool, error)
	// CountOtherActiveAdmins counts active memberships in the organization,
	// excluding the given membership, whose assigned role resolves to
	// users.manage. Legacy admin labels count.
	CountOtherActiveAdmins(ctx context.Context, orgID, excludeMembershipID int64) (int, error)

	InsertInvite(ctx context.Context, m Membership) (Membership, error)
	// ReactivateInvite returns a revoked or disabled membership to the
	// Invited state with a fresh token and the given role.
	ReactivateInvite(ctx context.Context, id int64, roleID int64, invitedBy int64, token string, at time.Time) error
	// UpdateInviteSent stamps a (re)send: invite_last_sent_at and the
	// incremented send counter.
	UpdateInviteSent(ctx context.Context, id int64, at time.Time) error
	SetAccepted(ctx context.Context, id int64, at time.Time) error
	SetRevoked(ctx context.Context, id int64, at time.Time) error

	UpdateRole(ctx context.Context, id int64, roleID int64) error
	SetActive(ctx context.Context, id int64, active bool) error
	Delete(ctx context.Context, id int64) error
	SetDepartment(ctx context.Context, id int64, departmentID *int64) error
}
