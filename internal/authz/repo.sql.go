package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearcomply/clearcomply/internal/platform/db"
	"github.com/clearcomply/clearcomply/internal/shared"
)

const pgUniqueViolation = "23505"

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// reader implements Reader over either the pool or a transaction.
type reader struct {
	q querier
}

// Repository provides PostgreSQL backed persistence.
type Repository struct {
	reader
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{reader: reader{q: pool}, pool: pool}
}

func (r reader) GetPermissionByCode(ctx context.Context, code string) (Permission, error) {
	var p Permission
	err := r.q.QueryRow(ctx, `SELECT id, code, description FROM permissions WHERE code = $1`, code).
		Scan(&p.ID, &p.Code, &p.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("authz: permission %q: %w", code, shared.ErrNotFound)
	}
	if err != nil {
		return Permission{}, err
	}
	return p, nil
}

func (r reader) GetRole(ctx context.Context, id int64) (Role, error) {
	var role Role
	err := r.q.QueryRow(ctx, `SELECT id, organization_id, name, description, is_system, created_at FROM roles WHERE id = $1`, id).
		Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("authz: role %d: %w", id, shared.ErrNotFound)
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func (r reader) GetRoleByName(ctx context.Context, orgID int64, name string) (Role, error) {
	var role Role
	err := r.q.QueryRow(ctx, `SELECT id, organization_id, name, description, is_system, created_at FROM roles WHERE organization_id = $1 AND name = $2`, orgID, name).
		Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("authz: role %q in org %d: %w", name, orgID, shared.ErrNotFound)
	}
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func (r reader) ListRoles(ctx context.Context, orgID int64) ([]Role, error) {
	rows, err := r.q.Query(ctx, `SELECT id, organization_id, name, description, is_system, created_at FROM roles WHERE organization_id = $1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.OrganizationID, &role.Name, &role.Description, &role.IsSystem, &role.CreatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (r reader) RolePermissionCodes(ctx context.Context, roleID int64) ([]string, error) {
	rows, err := r.q.Query(ctx, `
		SELECT p.code
		FROM role_permissions rp
		JOIN permissions p ON p.id = rp.permission_id
		WHERE rp.role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrings(rows)
}

func (r reader) RoleInheritedIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx, `SELECT inherited_role_id FROM role_inherits WHERE role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r reader) RoleDependentIDs(ctx context.Context, roleID int64) ([]int64, error) {
	rows, err := r.q.Query(ctx, `SELECT role_id FROM role_inherits WHERE inherited_role_id = $1`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

func (r reader) SeedState(ctx context.Context, orgID int64) (int, error) {
	var version int
	err := r.q.QueryRow(ctx, `SELECT version FROM org_seed_state WHERE organization_id = $1`, orgID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return version, nil
}

// ActiveAssignedRole resolves the role assignment of the active membership.
func (r *Repository) ActiveAssignedRole(ctx context.Context, userID, orgID int64) (AssignedRole, bool, error) {
	var roleID *int64
	var label string
	err := r.pool.QueryRow(ctx, `
		SELECT role_id, COALESCE(legacy_role_label, '')
		FROM memberships
		WHERE organization_id = $1 AND user_id = $2 AND is_active`, orgID, userID).
		Scan(&roleID, &label)
	if errors.Is(err, pgx.ErrNoRows) {
		return AssignedRole{}, false, nil
	}
	if err != nil {
		return AssignedRole{}, false, err
	}
	assigned := AssignedRole{LegacyLabel: label}
	if roleID != nil {
		assigned = AssignedRole{RoleID: *roleID}
	}
	return assigned, true, nil
}

// ActiveUserIDsForRoles lists active members of the org assigned to any of
// the given roles.
func (r *Repository) ActiveUserIDsForRoles(ctx context.Context, orgID int64, roleIDs []int64) ([]int64, error) {
	if len(roleIDs) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id FROM memberships
		WHERE organization_id = $1 AND is_active AND role_id = ANY($2)`, orgID, roleIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIDs(rows)
}

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{reader: reader{q: tx}, tx: tx})
	})
}

type txRepo struct {
	reader
	tx pgx.Tx
}

func (t *txRepo) EnsurePermission(ctx context.Context, code, description string) (Permission, error) {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO permissions (code, description) VALUES ($1, $2)
		ON CONFLICT (code) DO NOTHING`, code, description)
	if err != nil {
		return Permission{}, err
	}
	return t.GetPermissionByCode(ctx, code)
}

func (t *txRepo) CreateRole(ctx context.Context, role Role) (Role, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO roles (organization_id, name, description, is_system, created_at)
		VALUES ($1, $2, $3, $4, NOW())
		RETURNING id, created_at`,
		role.OrganizationID, role.Name, role.Description, role.IsSystem).
		Scan(&role.ID, &role.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Role{}, fmt.Errorf("authz: role %q already exists in org %d: %w", role.Name, role.OrganizationID, shared.ErrConflict)
		}
		return Role{}, err
	}
	return role, nil
}

func (t *txRepo) GrantPermission(ctx context.Context, roleID, permissionID int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roleID, permissionID)
	return err
}

func (t *txRepo) AddInheritanceEdge(ctx context.Context, roleID, inheritedRoleID int64) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO role_inherits (role_id, inherited_role_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING`, roleID, inheritedRoleID)
	return err
}

func (t *txRepo) SetSeedState(ctx context.Context, orgID int64, version int) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO org_seed_state (organization_id, version, seeded_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (organization_id) DO UPDATE SET version = EXCLUDED.version, seeded_at = EXCLUDED.seeded_at`,
		orgID, version)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func scanIDs(rows pgx.Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanStrings(rows pgx.Rows) ([]string, error) {
	var values []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}
