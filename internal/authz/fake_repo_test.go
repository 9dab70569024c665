package authz

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/clearcomply/clearcomply/internal/shared"
)

type fakeMembershipKey struct {
	orgID  int64
	userID int64
}

type fakeMembership struct {
	assigned AssignedRole
	active   bool
}

// fakeRepo is an in-memory implementation of RepositoryPort and TxRepository.
// WithTx has no rollback; tests that exercise failure paths arrange for the
// failing call to come before any write.
type fakeRepo struct {
	perms        map[int64]Permission
	roles        map[int64]Role
	rolePerms    map[int64]map[int64]struct{}
	inherits     map[int64]map[int64]struct{}
	memberships  map[fakeMembershipKey]fakeMembership
	seedVersions map[int64]int

	nextID int64
	// txCalls counts WithTx invocations, to observe the seeder fast path.
	txCalls int
	// createRoleConflicts injects ErrConflict into the next N CreateRole
	// calls, simulating a lost unique-constraint race.
	createRoleConflicts int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		perms:        map[int64]Permission{},
		roles:        map[int64]Role{},
		rolePerms:    map[int64]map[int64]struct{}{},
		inherits:     map[int64]map[int64]struct{}{},
		memberships:  map[fakeMembershipKey]fakeMembership{},
		seedVersions: map[int64]int{},
	}
}

func (f *fakeRepo) setMembership(orgID, userID int64, assigned AssignedRole, active bool) {
	f.memberships[fakeMembershipKey{orgID: orgID, userID: userID}] = fakeMembership{assigned: assigned, active: active}
}

func (f *fakeRepo) GetPermissionByCode(_ context.Context, code string) (Permission, error) {
	for _, p := range f.perms {
		if p.Code == code {
			return p, nil
		}
	}
	return Permission{}, fmt.Errorf("permission %q: %w", code, shared.ErrNotFound)
}

func (f *fakeRepo) GetRole(_ context.Context, id int64) (Role, error) {
	role, ok := f.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("role %d: %w", id, shared.ErrNotFound)
	}
	return role, nil
}

func (f *fakeRepo) GetRoleByName(_ context.Context, orgID int64, name string) (Role, error) {
	for _, role := range f.roles {
		if role.OrganizationID == orgID && role.Name == name {
			return role, nil
		}
	}
	return Role{}, fmt.Errorf("role %q in org %d: %w", name, orgID, shared.ErrNotFound)
}

func (f *fakeRepo) ListRoles(_ context.Context, orgID int64) ([]Role, error) {
	var out []Role
	for _, role := range f.roles {
		if role.OrganizationID == orgID {
			out = append(out, role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *fakeRepo) RolePermissionCodes(_ context.Context, roleID int64) ([]string, error) {
	var codes []string
	for permID := range f.rolePerms[roleID] {
		codes = append(codes, f.perms[permID].Code)
	}
	sort.Strings(codes)
	return codes, nil
}

func (f *fakeRepo) RoleInheritedIDs(_ context.Context, roleID int64) ([]int64, error) {
	var ids []int64
	for id := range f.inherits[roleID] {
		ids = append(ids, id)
	}
	return ids, nil
}

func (f *fakeRepo) RoleDependentIDs(_ context.Context, roleID int64) ([]int64, error) {
	var ids []int64
	for dependent, inherited := range f.inherits {
		if _, ok := inherited[roleID]; ok {
			ids = append(ids, dependent)
		}
	}
	return ids, nil
}

func (f *fakeRepo) SeedState(_ context.Context, orgID int64) (int, error) {
	return f.seedVersions[orgID], nil
}

func (f *fakeRepo) ActiveAssignedRole(_ context.Context, userID, orgID int64) (AssignedRole, bool, error) {
	m, ok := f.memberships[fakeMembershipKey{orgID: orgID, userID: userID}]
	if !ok || !m.active {
		return AssignedRole{}, false, nil
	}
	return m.assigned, true, nil
}

func (f *fakeRepo) ActiveUserIDsForRoles(_ context.Context, orgID int64, roleIDs []int64) ([]int64, error) {
	wanted := map[int64]struct{}{}
	for _, id := range roleIDs {
		wanted[id] = struct{}{}
	}
	var out []int64
	for key, m := range f.memberships {
		if key.orgID != orgID || !m.active || !m.assigned.IsRoleRef() {
			continue
		}
		if _, ok := wanted[m.assigned.RoleID]; ok {
			out = append(out, key.userID)
		}
	}
	return out, nil
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	f.txCalls++
	return fn(ctx, f)
}

func (f *fakeRepo) EnsurePermission(ctx context.Context, code, description string) (Permission, error) {
	if p, err := f.GetPermissionByCode(ctx, code); err == nil {
		return p, nil
	}
	f.nextID++
	p := Permission{ID: f.nextID, Code: code, Description: description}
	f.perms[p.ID] = p
	return p, nil
}

func (f *fakeRepo) CreateRole(_ context.Context, role Role) (Role, error) {
	if f.createRoleConflicts > 0 {
		f.createRoleConflicts--
		return Role{}, fmt.Errorf("role %q already exists: %w", role.Name, shared.ErrConflict)
	}
	for _, existing := range f.roles {
		if existing.OrganizationID == role.OrganizationID && existing.Name == role.Name {
			return Role{}, fmt.Errorf("role %q already exists: %w", role.Name, shared.ErrConflict)
		}
	}
	f.nextID++
	role.ID = f.nextID
	role.CreatedAt = time.Now()
	f.roles[role.ID] = role
	return role, nil
}

func (f *fakeRepo) GrantPermission(_ context.Context, roleID, permissionID int64) error {
	if f.rolePerms[roleID] == nil {
		f.rolePerms[roleID] = map[int64]struct{}{}
	}
	f.rolePerms[roleID][permissionID] = struct{}{}
	return nil
}

func (f *fakeRepo) AddInheritanceEdge(_ context.Context, roleID, inheritedRoleID int64) error {
	if f.inherits[roleID] == nil {
		f.inherits[roleID] = map[int64]struct{}{}
	}
	f.inherits[roleID][inheritedRoleID] = struct{}{}
	return nil
}

func (f *fakeRepo) SetSeedState(_ context.Context, orgID int64, version int) error {
	f.seedVersions[orgID] = version
	return nil
}

// grantCount and edgeCount snapshot row counts for idempotence assertions.
func (f *fakeRepo) grantCount() int {
	n := 0
	for _, perms := range f.rolePerms {
		n += len(perms)
	}
	return n
}

func (f *fakeRepo) edgeCount() int {
	n := 0
	for _, edges := range f.inherits {
		n += len(edges)
	}
	return n
}
