package memberships

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/clearcomply/clearcomply/internal/authz"
	"github.com/clearcomply/clearcomply/internal/shared"
)

// AuthzPort is what the guard needs from the authorization engine: lazy
// seeding before the first membership mutation of a tenant, and cache
// invalidation after commits that change a user's effective permissions.
type AuthzPort interface {
	EnsureSeeded(ctx context.Context, orgID int64) error
	InvalidateCache(ctx context.Context, userID, orgID int64) error
}

// InviteNotifier enqueues the invite notification email. Delivery itself is
// the mail collaborator's job.
type InviteNotifier interface {
	NotifyInvite(ctx context.Context, m Membership, email string) error
}

// AuditRecorder persists guard mutations to the audit trail.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ServiceOptions tunes the service.
type ServiceOptions struct {
	// ResendCooldown is the minimum interval between invite sends.
	ResendCooldown time.Duration
	Logger         *slog.Logger
	// Now is overridable in tests.
	Now func() time.Time
}

const defaultResendCooldown = 5 * time.Minute

// Service is the guard around membership mutations. Every operation that can
// change an authorization answer runs its invariant checks and its write in
// one transaction, then invalidates the affected cache entries.
type Service struct {
	repo     RepositoryPort
	authz    AuthzPort
	notifier InviteNotifier
	audit    AuditRecorder
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a Service instance. notifier and audit may be nil.
func NewService(repo RepositoryPort, authzPort AuthzPort, notifier InviteNotifier, audit AuditRecorder, opts ServiceOptions) *Service {
	cooldown := opts.ResendCooldown
	if cooldown <= 0 {
		cooldown = defaultResendCooldown
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:     repo,
		authz:    authzPort,
		notifier: notifier,
		audit:    audit,
		cooldown: cooldown,
		logger:   logger,
		now:      now,
	}
}

// GetMembership fetches a membership scoped to the actor's organization.
func (s *Service) GetMembership(ctx context.Context, actor shared.Identity, membershipID int64) (Membership, error) {
	m, err := s.repo.GetMembership(ctx, membershipID)
	if err != nil {
		return Membership{}, err
	}
	if m.OrganizationID != actor.OrganizationID {
		return Membership{}, fmt.Errorf("memberships: membership %d: %w", membershipID, shared.ErrNotFound)
	}
	return m, nil
}

// ListMemberships returns the actor's organization memberships.
func (s *Service) ListMemberships(ctx context.Context, actor shared.Identity) ([]Membership, error) {
	return s.repo.ListByOrganization(ctx, actor.OrganizationID)
}

// ChangeRole reassigns the membership to a role in the same organization.
// If the change would strip users.manage from the organization's last active
// holder, it is rejected with ErrConflict and nothing changes.
func (s *Service) ChangeRole(ctx context.Context, actor shared.Identity, membershipID, newRoleID int64) error {
	if newRoleID == 0 {
		return fmt.Errorf("memberships: role required: %w", shared.ErrValidation)
	}
	if err := s.authz.EnsureSeeded(ctx, actor.OrganizationID); err != nil {
		return err
	}

	var userID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.lockScoped(ctx, tx, actor, membershipID)
		if err != nil {
			return err
		}
		roleOrg, err := tx.RoleOrganization(ctx, newRoleID)
		if err != nil {
			return err
		}
		if roleOrg != m.OrganizationID {
			return fmt.Errorf("memberships: role %d belongs to another organization: %w", newRoleID, shared.ErrValidation)
		}

		if m.IsActive {
			losing, err := s.wouldLoseUsersManage(ctx, tx, m, newRoleID)
			if err != nil {
				return err
			}
			if losing {
				others, err := tx.CountOtherActiveAdmins(ctx, m.OrganizationID, m.ID)
				if err != nil {
					return err
				}
				if others == 0 {
					return fmt.Errorf("memberships: cannot remove the last admin: %w", shared.ErrConflict)
				}
			}
		}

		userID = m.UserID
		return tx.UpdateRole(ctx, m.ID, newRoleID)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, userID, actor.OrganizationID)
	s.record(ctx, actor, "membership.role_changed", membershipID, map[string]any{"role_id": newRoleID})
	return nil
}

// RemoveMembership disables or deletes the membership. The last-admin guard
// applies; a member removing themselves goes through the same check.
func (s *Service) RemoveMembership(ctx context.Context, actor shared.Identity, membershipID int64, mode RemoveMode) error {
	if !mode.Valid() {
		return fmt.Errorf("memberships: unknown remove mode %q: %w", mode, shared.ErrValidation)
	}

	var userID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.lockScoped(ctx, tx, actor, membershipID)
		if err != nil {
			return err
		}

		if m.IsActive {
			holds, err := s.holdsUsersManage(ctx, tx, m)
			if err != nil {
				return err
			}
			if holds {
				others, err := tx.CountOtherActiveAdmins(ctx, m.OrganizationID, m.ID)
				if err != nil {
					return err
				}
				if others == 0 {
					return fmt.Errorf("memberships: cannot remove the last admin: %w", shared.ErrConflict)
				}
			}
		}

		userID = m.UserID
		if mode == RemoveDelete {
			return tx.Delete(ctx, m.ID)
		}
		return tx.SetActive(ctx, m.ID, false)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, userID, actor.OrganizationID)
	s.record(ctx, actor, "membership.removed", membershipID, map[string]any{"mode": string(mode)})
	return nil
}

// InviteInput carries the invite parameters. The user row is resolved or
// created by the signup collaborator; Email is only used for the
// notification.
type InviteInput struct {
	UserID int64
	Email  string
	RoleID int64
}

// Invite creates a membership in the Invited state, or returns a revoked or
// disabled one to it with a fresh token. An active membership that is not
// revoked cannot be re-invited.
func (s *Service) Invite(ctx context.Context, actor shared.Identity, in InviteInput) (Membership, error) {
	if in.UserID == 0 || in.RoleID == 0 {
		return Membership{}, fmt.Errorf("memberships: user and role required: %w", shared.ErrValidation)
	}
	if err := s.authz.EnsureSeeded(ctx, actor.OrganizationID); err != nil {
		return Membership{}, err
	}

	now := s.now().UTC()
	token := uuid.NewString()
	var out Membership
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		roleOrg, err := tx.RoleOrganization(ctx, in.RoleID)
		if err != nil {
			return err
		}
		if roleOrg != actor.OrganizationID {
			return fmt.Errorf("memberships: role %d belongs to another organization: %w", in.RoleID, shared.ErrValidation)
		}

		existing, err := tx.GetByOrgUser(ctx, actor.OrganizationID, in.UserID)
		switch {
		case err == nil:
			if existing.IsActive && existing.InviteStatus() != StatusRevoked {
				return fmt.Errorf("memberships: user %d already bound to org %d: %w", in.UserID, actor.OrganizationID, shared.ErrConflict)
			}
			if err := tx.ReactivateInvite(ctx, existing.ID, in.RoleID, actor.ActorID, token, now); err != nil {
				return err
			}
			out, err = tx.GetByOrgUser(ctx, actor.OrganizationID, in.UserID)
			return err
		case errors.Is(err, shared.ErrNotFound):
			out, err = tx.InsertInvite(ctx, Membership{
				OrganizationID: actor.OrganizationID,
				UserID:         in.UserID,
				Role:           authz.AssignedRole{RoleID: in.RoleID},
				InvitedAt:      &now,
				InvitedBy:      actor.ActorID,
				InviteToken:    token,
			})
			return err
		default:
			return err
		}
	})
	if err != nil {
		return Membership{}, err
	}

	s.invalidate(ctx, out.UserID, actor.OrganizationID)
	s.notify(ctx, out, in.Email)
	s.record(ctx, actor, "membership.invited", out.ID, map[string]any{"user_id": out.UserID, "role_id": in.RoleID})
	return out, nil
}

// ResendInvite re-sends a pending invite. Rejected with ErrCooldown while the
// previous send is more recent than the configured cooldown.
func (s *Service) ResendInvite(ctx context.Context, actor shared.Identity, membershipID int64) error {
	now := s.now().UTC()
	var out Membership
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.lockScoped(ctx, tx, actor, membershipID)
		if err != nil {
			return err
		}
		if !m.Pending() {
			return fmt.Errorf("memberships: invite for membership %d is not pending: %w", m.ID, shared.ErrValidation)
		}
		if m.InviteLastSentAt != nil && now.Sub(*m.InviteLastSentAt) < s.cooldown {
			return fmt.Errorf("memberships: invite resent too soon: %w", shared.ErrCooldown)
		}
		if err := tx.UpdateInviteSent(ctx, m.ID, now); err != nil {
			return err
		}
		out = m
		out.InviteLastSentAt = &now
		out.InviteSendCount++
		return nil
	})
	if err != nil {
		return err
	}

	s.notify(ctx, out, "")
	s.record(ctx, actor, "membership.invite_resent", membershipID, map[string]any{"send_count": out.InviteSendCount})
	return nil
}

// RevokeInvite withdraws a pending invite. Terminal: the membership is
// deactivated and cannot transition to Accepted. Self-revocation is invalid.
func (s *Service) RevokeInvite(ctx context.Context, actor shared.Identity, membershipID int64) error {
	now := s.now().UTC()
	var userID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.lockScoped(ctx, tx, actor, membershipID)
		if err != nil {
			return err
		}
		if !m.Pending() {
			return fmt.Errorf("memberships: invite for membership %d is not pending: %w", m.ID, shared.ErrValidation)
		}
		if m.UserID == actor.ActorID {
			return fmt.Errorf("memberships: cannot revoke own invite: %w", shared.ErrValidation)
		}
		userID = m.UserID
		return tx.SetRevoked(ctx, m.ID, now)
	})
	if err != nil {
		return err
	}

	s.invalidate(ctx, userID, actor.OrganizationID)
	s.record(ctx, actor, "membership.invite_revoked", membershipID, nil)
	return nil
}

// AcceptInvite marks a pending invite accepted. Called by the credential
// collaborator on the user's first password set or verified external
// sign-in. Only the invited user may accept; anyone else in the organization
// is rejected. Idempotent for already-accepted invites.
func (s *Service) AcceptInvite(ctx context.Context, actor shared.Identity, membershipID int64) error {
	now := s.now().UTC()
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.lockScoped(ctx, tx, actor, membershipID)
		if err != nil {
			return err
		}
		if m.UserID != actor.ActorID {
			return fmt.Errorf("memberships: cannot accept another user's invite: %w", shared.ErrValidation)
		}
		switch m.InviteStatus() {
		case StatusAccepted:
			return nil
		case StatusInvited:
			return tx.SetAccepted(ctx, m.ID, now)
		default:
			return fmt.Errorf("memberships: invite for membership %d is not pending: %w", m.ID, shared.ErrValidation)
		}
	})
	if err != nil {
		return err
	}

	s.record(ctx, actor, "membership.invite_accepted", membershipID, nil)
	return nil
}

// ChangeDepartment moves the membership to another department. Departments
// carry no authorization weight, so no cache entries are touched.
func (s *Service) ChangeDepartment(ctx context.Context, actor shared.Identity, membershipID int64, departmentID *int64) error {
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		m, err := s.lockScoped(ctx, tx, actor, membershipID)
		if err != nil {
			return err
		}
		return tx.SetDepartment(ctx, m.ID, departmentID)
	})
	if err != nil {
		return err
	}

	meta := map[string]any{}
	if departmentID != nil {
		meta["department_id"] = *departmentID
	}
	s.record(ctx, actor, "membership.department_changed", membershipID, meta)
	return nil
}

// BackfillLegacyRoles converts the organization's legacy-labeled memberships
// to role references: admin labels become Organisation Admin, everything else
// Member. Safe to re-run; already-converted rows are not selected.
func (s *Service) BackfillLegacyRoles(ctx context.Context, orgID int64) (int, error) {
	if err := s.authz.EnsureSeeded(ctx, orgID); err != nil {
		return 0, err
	}
	legacy, err := s.repo.ListLegacy(ctx, orgID)
	if err != nil {
		return 0, err
	}
	if len(legacy) == 0 {
		return 0, nil
	}

	converted := 0
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		roleIDs := map[string]int64{}
		for _, m := range legacy {
			name := authz.LegacyRoleName(m.Role.LegacyLabel)
			roleID, ok := roleIDs[name]
			if !ok {
				roleID, err = tx.RoleIDByName(ctx, orgID, name)
				if err != nil {
					return err
				}
				roleIDs[name] = roleID
			}
			if err := tx.UpdateRole(ctx, m.ID, roleID); err != nil {
				return err
			}
			converted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, m := range legacy {
		s.invalidate(ctx, m.UserID, orgID)
	}
	s.logger.Info("memberships: legacy roles backfilled", slog.Int64("org_id", orgID), slog.Int("converted", converted))
	return converted, nil
}

// BackfillAllLegacyRoles runs the legacy backfill for every organization that
// still has legacy-labeled memberships. Returns the total converted count.
func (s *Service) BackfillAllLegacyRoles(ctx context.Context) (int, error) {
	orgIDs, err := s.repo.OrganizationsWithLegacyRoles(ctx)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, orgID := range orgIDs {
		converted, err := s.BackfillLegacyRoles(ctx, orgID)
		if err != nil {
			return total, fmt.Errorf("memberships: backfill org %d: %w", orgID, err)
		}
		total += converted
	}
	return total, nil
}

// lockScoped locks the membership row and verifies it belongs to the actor's
// organization. Cross-tenant references read as not found.
func (s *Service) lockScoped(ctx context.Context, tx TxRepository, actor shared.Identity, membershipID int64) (Membership, error) {
	m, err := tx.GetMembershipForUpdate(ctx, membershipID)
	if err != nil {
		return Membership{}, err
	}
	if m.OrganizationID != actor.OrganizationID {
		return Membership{}, fmt.Errorf("memberships: membership %d: %w", membershipID, shared.ErrNotFound)
	}
	return m, nil
}

// holdsUsersManage resolves whether the membership's current assignment
// carries users.manage, through either the role graph or the legacy adapter.
func (s *Service) holdsUsersManage(ctx context.Context, tx TxRepository, m Membership) (bool, error) {
	if m.Role.IsRoleRef() {
		return tx.RoleHoldsPermission(ctx, m.Role.RoleID, authz.PermUsersManage)
	}
	return authz.IsLegacyAdminLabel(m.Role.LegacyLabel), nil
}

// wouldLoseUsersManage reports whether moving m to newRoleID drops
// users.manage.
func (s *Service) wouldLoseUsersManage(ctx context.Context, tx TxRepository, m Membership, newRoleID int64) (bool, error) {
	holdsNow, err := s.holdsUsersManage(ctx, tx, m)
	if err != nil {
		return false, err
	}
	if !holdsNow {
		return false, nil
	}
	holdsAfter, err := tx.RoleHoldsPermission(ctx, newRoleID, authz.PermUsersManage)
	if err != nil {
		return false, err
	}
	return !holdsAfter, nil
}

// invalidate drops the cache entry after commit. Failures are logged; the
// cache TTL bounds the staleness they can leave behind.
func (s *Service) invalidate(ctx context.Context, userID, orgID int64) {
	if err := s.authz.InvalidateCache(ctx, userID, orgID); err != nil {
		s.logger.Error("memberships: invalidate cache", slog.Int64("user_id", userID), slog.Int64("org_id", orgID), slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, m Membership, email string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyInvite(ctx, m, email); err != nil {
		s.logger.Error("memberships: enqueue invite email", slog.Int64("membership_id", m.ID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor shared.Identity, action string, membershipID int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ActorID:  actor.ActorID,
		Action:   action,
		Entity:   "membership",
		EntityID: strconv.FormatInt(membershipID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Error("memberships: audit record", slog.String("action", action), slog.Any("error", err))
	}
}
