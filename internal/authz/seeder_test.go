package authz

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/clearcomply/clearcomply/internal/shared"
)

func newSeededService(t *testing.T, orgID int64) (*Service, *fakeRepo) {
	t.Helper()
	repo := newFakeRepo()
	svc := NewService(repo, NewMemoryPermissionCache(), ServiceOptions{})
	require.NoError(t, svc.EnsureSeeded(context.Background(), orgID))
	return svc, repo
}

func TestEnsureSeededCreatesDefaultTopology(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	roles, err := svc.ListRoles(ctx, 42)
	require.NoError(t, err)
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, role.Name)
		require.True(t, role.IsSystem)
		require.Equal(t, int64(42), role.OrganizationID)
	}
	require.ElementsMatch(t, []string{RoleOrgAdmin, RoleComplianceManager, RoleAuditor, RoleMember}, names)

	admin, err := repo.GetRoleByName(ctx, 42, RoleOrgAdmin)
	require.NoError(t, err)
	manager, err := repo.GetRoleByName(ctx, 42, RoleComplianceManager)
	require.NoError(t, err)
	auditor, err := repo.GetRoleByName(ctx, 42, RoleAuditor)
	require.NoError(t, err)
	member, err := repo.GetRoleByName(ctx, 42, RoleMember)
	require.NoError(t, err)

	adminInherits, err := repo.RoleInheritedIDs(ctx, admin.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{manager.ID}, adminInherits)
	managerInherits, err := repo.RoleInheritedIDs(ctx, manager.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{member.ID}, managerInherits)
	auditorInherits, err := repo.RoleInheritedIDs(ctx, auditor.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{member.ID}, auditorInherits)

	// The diamond: Organisation Admin reaches every catalog code.
	codes, err := svc.EffectivePermissionCodes(ctx, admin.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		PermDocumentsView, PermDocumentsUpload, PermDocumentsDelete, PermAuditsExport,
		PermOrgManage, PermDepartmentsManage, PermUsersInvite, PermUsersManage, PermRolesManage,
	}, codes)

	// Auditor does not pick up the manager branch.
	codes, err = svc.EffectivePermissionCodes(ctx, auditor.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{PermDocumentsView, PermDocumentsUpload, PermAuditsExport}, codes)

	version, err := repo.SeedState(ctx, 42)
	require.NoError(t, err)
	require.Equal(t, SeedVersion, version)
}

func TestEnsureSeededIsIdempotent(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	ctx := context.Background()

	rolesBefore := len(repo.roles)
	permsBefore := len(repo.perms)
	grantsBefore := repo.grantCount()
	edgesBefore := repo.edgeCount()

	require.NoError(t, svc.EnsureSeeded(ctx, 42))
	require.NoError(t, svc.EnsureSeeded(ctx, 42))

	require.Equal(t, rolesBefore, len(repo.roles))
	require.Equal(t, permsBefore, len(repo.perms))
	require.Equal(t, grantsBefore, repo.grantCount())
	require.Equal(t, edgesBefore, repo.edgeCount())
}

func TestEnsureSeededFastPathSkipsTransaction(t *testing.T) {
	svc, repo := newSeededService(t, 42)

	txCallsAfterSeed := repo.txCalls
	require.NoError(t, svc.EnsureSeeded(context.Background(), 42))
	require.Equal(t, txCallsAfterSeed, repo.txCalls)
}

func TestEnsureSeededScopesRolesPerOrganization(t *testing.T) {
	svc, repo := newSeededService(t, 42)
	require.NoError(t, svc.EnsureSeeded(context.Background(), 43))

	for _, orgID := range []int64{42, 43} {
		roles, err := repo.ListRoles(context.Background(), orgID)
		require.NoError(t, err)
		require.Len(t, roles, 4)
	}
	// The catalog is global, not duplicated per tenant.
	require.Len(t, repo.perms, len(CatalogPermissions()))
}

func TestEnsureSeededRetriesLostRace(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, ServiceOptions{})
	repo.createRoleConflicts = 1

	require.NoError(t, svc.EnsureSeeded(context.Background(), 42))
	roles, err := repo.ListRoles(context.Background(), 42)
	require.NoError(t, err)
	require.Len(t, roles, 4)
}

func TestEnsureSeededGivesUpAfterRepeatedConflicts(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, nil, ServiceOptions{})
	repo.createRoleConflicts = 10

	err := svc.EnsureSeeded(context.Background(), 42)
	require.ErrorIs(t, err, shared.ErrConcurrency)
}

func TestEnsureSeededRequiresOrganization(t *testing.T) {
	svc := NewService(newFakeRepo(), nil, ServiceOptions{})
	err := svc.EnsureSeeded(context.Background(), 0)
	require.ErrorIs(t, err, shared.ErrValidation)
}
