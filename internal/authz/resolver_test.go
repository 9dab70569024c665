package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearcomply/clearcomply/internal/shared"
)

func TestEffectivePermissionCodesSupersets(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	roles, err := svc.ListRoles(ctx, 42)
	require.NoError(t, err)
	require.Len(t, roles, 4)

	for _, role := range roles {
		effective, err := svc.EffectivePermissionCodes(ctx, role.ID)
		require.NoError(t, err)

		direct, err := repo.RolePermissionCodes(ctx, role.ID)
		require.NoError(t, err)
		require.Subset(t, effective, direct, "effective set of %s must contain its direct grants", role.Name)

		inherited, err := repo.RoleInheritedIDs(ctx, role.ID)
		require.NoError(t, err)
		for _, inheritedID := range inherited {
			inheritedEffective, err := svc.EffectivePermissionCodes(ctx, inheritedID)
			require.NoError(t, err)
			require.Subset(t, effective, inheritedEffective, "effective set of %s must contain its parents'", role.Name)
		}
	}
}

func TestEffectivePermissionCodesUnknownRole(t *testing.T) {
	svc, _ := newSeededService(t, 42)
	_, err := svc.EffectivePermissionCodes(context.Background(), 9999)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestEffectivePermissionCodesTerminatesOnCycle(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	admin, err := repo.GetRoleByName(ctx, 42, RoleOrgAdmin)
	require.NoError(t, err)
	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)

	// Simulate a cycle that slipped past edge validation; the visited set
	// must still terminate the walk.
	require.NoError(t, repo.AddInheritanceEdge(ctx, member.ID, admin.ID))

	codes, err := svc.EffectivePermissionCodes(ctx, member.ID)
	require.NoError(t, err)
	require.Contains(t, codes, PermUsersManage)
}

func TestHasPermissionMemberRole(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)
	repo.setMembership(42, 7, AssignedRole{RoleID: member.ID}, true)

	allowed, err := svc.HasPermission(ctx, 7, 42, PermDocumentsUpload)
	require.NoError(t, err)
	require.True(t, allowed)

	allowed, err = svc.HasPermission(ctx, 7, 42, PermDocumentsDelete)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHasPermissionFailsClosed(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	// No membership at all.
	allowed, err := svc.HasPermission(ctx, 7, 42, PermDocumentsView)
	require.NoError(t, err)
	require.False(t, allowed)

	// Inactive membership.
	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)
	repo.setMembership(42, 8, AssignedRole{RoleID: member.ID}, false)
	allowed, err = svc.HasPermission(ctx, 8, 42, PermDocumentsView)
	require.NoError(t, err)
	require.False(t, allowed)

	// Degenerate inputs.
	allowed, err = svc.HasPermission(ctx, 0, 42, PermDocumentsView)
	require.NoError(t, err)
	require.False(t, allowed)
	allowed, err = svc.HasPermission(ctx, 7, 0, PermDocumentsView)
	require.NoError(t, err)
	require.False(t, allowed)
	allowed, err = svc.HasPermission(ctx, 7, 42, "  ")
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHasPermissionLegacyLabels(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	repo.setMembership(42, 7, AssignedRole{LegacyLabel: "ADMIN"}, true)
	repo.setMembership(42, 8, AssignedRole{LegacyLabel: "Organisation Administrator"}, true)
	repo.setMembership(42, 9, AssignedRole{LegacyLabel: "viewer"}, true)

	for _, userID := range []int64{7, 8} {
		allowed, err := svc.HasPermission(ctx, userID, 42, PermUsersManage)
		require.NoError(t, err)
		require.True(t, allowed, "user %d", userID)

		// Admin labels grant users.manage and nothing else.
		allowed, err = svc.HasPermission(ctx, userID, 42, PermDocumentsView)
		require.NoError(t, err)
		require.False(t, allowed)
	}

	allowed, err := svc.HasPermission(ctx, 9, 42, PermUsersManage)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestHasPermissionServesFromCacheUntilInvalidated(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)
	repo.setMembership(42, 7, AssignedRole{RoleID: member.ID}, true)

	allowed, err := svc.HasPermission(ctx, 7, 42, PermDocumentsView)
	require.NoError(t, err)
	require.True(t, allowed)

	// Mutating storage behind the cache's back leaves the entry stale.
	repo.setMembership(42, 7, AssignedRole{RoleID: member.ID}, false)
	allowed, err = svc.HasPermission(ctx, 7, 42, PermDocumentsView)
	require.NoError(t, err)
	require.True(t, allowed)

	// Explicit invalidation restores the truthful answer immediately.
	require.NoError(t, svc.InvalidateCache(ctx, 7, 42))
	allowed, err = svc.HasPermission(ctx, 7, 42, PermDocumentsView)
	require.NoError(t, err)
	require.False(t, allowed)
}

func TestGrantInvalidatesAffectedMembers(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)
	admin, err := repo.GetRoleByName(ctx, 42, RoleOrgAdmin)
	require.NoError(t, err)

	// The admin holds their role through the inheritance chain down to
	// Member, so granting Member a code must refresh the admin too.
	repo.setMembership(42, 7, AssignedRole{RoleID: member.ID}, true)
	repo.setMembership(42, 8, AssignedRole{RoleID: admin.ID}, true)

	for _, userID := range []int64{7, 8} {
		allowed, err := svc.HasPermission(ctx, userID, 42, PermAuditsExport)
		require.NoError(t, err)
		require.Equal(t, userID == 8, allowed)
	}

	require.NoError(t, svc.Grant(ctx, member.ID, PermAuditsExport))

	for _, userID := range []int64{7, 8} {
		allowed, err := svc.HasPermission(ctx, userID, 42, PermAuditsExport)
		require.NoError(t, err)
		require.True(t, allowed, "user %d", userID)
	}
}

func TestAddInheritanceRejectsCycle(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	admin, err := repo.GetRoleByName(ctx, 42, RoleOrgAdmin)
	require.NoError(t, err)
	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)

	err = svc.AddInheritance(ctx, member.ID, admin.ID)
	require.ErrorIs(t, err, shared.ErrValidation)

	err = svc.AddInheritance(ctx, admin.ID, admin.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestAddInheritanceRejectsCrossOrganization(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()
	require.NoError(t, svc.EnsureSeeded(ctx, 43))

	admin42, err := repo.GetRoleByName(ctx, 42, RoleOrgAdmin)
	require.NoError(t, err)
	member43, err := repo.GetRoleByName(ctx, 43, RoleMember)
	require.NoError(t, err)

	err = svc.AddInheritance(ctx, admin42.ID, member43.ID)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateRoleDuplicateName(t *testing.T) {
	svc, _ := newSeededService(t, 42)
	ctx := context.Background()

	created, err := svc.CreateRole(ctx, 42, "Reviewer", "Reviews evidence", false)
	require.NoError(t, err)
	require.NotZero(t, created.ID)
	require.False(t, created.IsSystem)

	_, err = svc.CreateRole(ctx, 42, "Reviewer", "", false)
	require.ErrorIs(t, err, shared.ErrConflict)

	_, err = svc.CreateRole(ctx, 42, "   ", "", false)
	require.ErrorIs(t, err, shared.ErrValidation)
}
