// Package memberships implements the user-to-organization binding: the
// invite/accept/revoke lifecycle and the guarded mutations around role and
// membership changes, notably the last-admin invariant.
package memberships

import (
	"time"

	"github.com/clearcomply/clearcomply/internal/authz"
)

// InviteStatus describes where a membership sits in the invite lifecycle.
type InviteStatus string

const (
	// StatusInvited means the invite is pending: the user has not set a
	// credential yet and the invite has not been revoked.
	StatusInvited InviteStatus = "invited"
	// StatusAccepted means the user completed their first credential-setting
	// action or verified external sign-in. Terminal for invite purposes.
	StatusAccepted InviteStatus = "accepted"
	// StatusRevoked means an administrator withdrew the invite. Terminal and
	// deactivating.
	StatusRevoked InviteStatus = "revoked"
	// StatusNone means the membership was created outside the invite flow.
	StatusNone InviteStatus = "none"
)

// RemoveMode selects how a membership is removed.
type RemoveMode string

const (
	// RemoveDisable soft-disables the membership, keeping the row.
	RemoveDisable RemoveMode = "disable"
	// RemoveDelete hard-deletes the membership row.
	RemoveDelete RemoveMode = "delete"
)

// Valid reports whether the mode is one of the two supported values.
func (m RemoveMode) Valid() bool {
	return m == RemoveDisable || m == RemoveDelete
}

// Membership binds one user to one organization. The (organization, user)
// pair is unique. The assigned role is the tagged union defined in authz:
// a role reference for migrated rows, a free-form label for legacy ones.
type Membership struct {
	ID             int64
	OrganizationID int64
	UserID         int64
	Role           authz.AssignedRole
	DepartmentID   *int64
	IsActive       bool

	InvitedAt        *time.Time
	InvitedBy        int64
	InviteToken      string
	InviteLastSentAt *time.Time
	InviteSendCount  int
	InviteAcceptedAt *time.Time
	InviteRevokedAt  *time.Time

	CreatedAt time.Time
}

// InviteStatus derives the lifecycle state from the timestamp fields.
// Revocation wins over acceptance because revocation is terminal.
func (m Membership) InviteStatus() InviteStatus {
	switch {
	case m.InviteRevokedAt != nil:
		return StatusRevoked
	case m.InviteAcceptedAt != nil:
		return StatusAccepted
	case m.InvitedAt != nil:
		return StatusInvited
	default:
		return StatusNone
	}
}

// Pending reports whether the membership is in the Invited state.
func (m Membership) Pending() bool {
	return m.InviteStatus() == StatusInvited
}
