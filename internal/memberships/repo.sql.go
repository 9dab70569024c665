package memberships

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clearcomply/clearcomply/internal/authz"
	"github.com/clearcomply/clearcomply/internal/platform/db"
	"github.com/clearcomply/clearcomply/internal/shared"
)

const membershipColumns = `id, organization_id, user_id, role_id, COALESCE(legacy_role_label, ''),
	department_id, is_active, invited_at, COALESCE(invited_by, 0), COALESCE(invite_token, ''),
	invite_last_sent_at, invite_send_count, invite_accepted_at, invite_revoked_at, created_at`

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// reader implements the shared reads over either the pool or a transaction.
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

func scanMembership(row pgx.Row) (Membership, error) {
	var m Membership
	var roleID *int64
	var label string
	err := row.Scan(&m.ID, &m.OrganizationID, &m.UserID, &roleID, &label,
		&m.DepartmentID, &m.IsActive, &m.InvitedAt, &m.InvitedBy, &m.InviteToken,
		&m.InviteLastSentAt, &m.InviteSendCount, &m.InviteAcceptedAt, &m.InviteRevokedAt, &m.CreatedAt)
	if err != nil {
		return Membership{}, err
	}
	if roleID != nil {
		m.Role = authz.AssignedRole{RoleID: *roleID}
	} else {
		m.Role = authz.AssignedRole{LegacyLabel: label}
	}
	return m, nil
}

func (r reader) GetMembership(ctx context.Context, id int64) (Membership, error) {
	m, err := scanMembership(r.q.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, fmt.Errorf("memberships: membership %d: %w", id, shared.ErrNotFound)
	}
	return m, err
}

func (r reader) GetByOrgUser(ctx context.Context, orgID, userID int64) (Membership, error) {
	m, err := scanMembership(r.q.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE organization_id = $1 AND user_id = $2`, orgID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, fmt.Errorf("memberships: user %d in org %d: %w", userID, orgID, shared.ErrNotFound)
	}
	return m, err
}

// ListByOrganization returns the organization's memberships, newest first.
func (r *Repository) ListByOrganization(ctx context.Context, orgID int64) ([]Membership, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE organization_id = $1 ORDER BY created_at DESC, id DESC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListLegacy returns memberships still carrying a legacy role label.
func (r *Repository) ListLegacy(ctx context.Context, orgID int64) ([]Membership, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+membershipColumns+` FROM memberships
		 WHERE organization_id = $1 AND role_id IS NULL AND COALESCE(legacy_role_label, '') <> ''
		 ORDER BY id`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// OrganizationsWithLegacyRoles lists organizations with legacy-labeled
// memberships.
func (r *Repository) OrganizationsWithLegacyRoles(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT organization_id FROM memberships
		WHERE role_id IS NULL AND COALESCE(legacy_role_label, '') <> ''
		ORDER BY organization_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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

func (t *txRepo) GetMembershipForUpdate(ctx context.Context, id int64) (Membership, error) {
	m, err := scanMembership(t.tx.QueryRow(ctx,
		`SELECT `+membershipColumns+` FROM memberships WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Membership{}, fmt.Errorf("memberships: membership %d: %w", id, shared.ErrNotFound)
	}
	return m, err
}

func (t *txRepo) RoleOrganization(ctx context.Context, roleID int64) (int64, error) {
	var orgID int64
	err := t.tx.QueryRow(ctx, `SELECT organization_id FROM roles WHERE id = $1`, roleID).Scan(&orgID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("memberships: role %d: %w", roleID, shared.ErrNotFound)
	}
	return orgID, err
}

func (t *txRepo) RoleIDByName(ctx context.Context, orgID int64, name string) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `SELECT id FROM roles WHERE organization_id = $1 AND name = $2`, orgID, name).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("memberships: role %q in org %d: %w", name, orgID, shared.ErrNotFound)
	}
	return id, err
}

func (t *txRepo) RoleHoldsPermission(ctx context.Context, roleID int64, code string) (bool, error) {
	var holds bool
	err := t.tx.QueryRow(ctx, `
		WITH RECURSIVE graph AS (
			SELECT $1::bigint AS role_id
			UNION
			SELECT ri.inherited_role_id FROM role_inherits ri
			JOIN graph g ON g.role_id = ri.role_id
		)
		SELECT EXISTS (
			SELECT 1 FROM role_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE rp.role_id IN (SELECT role_id FROM graph) AND p.code = $2
		)`, roleID, code).Scan(&holds)
	return holds, err
}

func (t *txRepo) CountOtherActiveAdmins(ctx context.Context, orgID, excludeMembershipID int64) (int, error) {
	var count int
	err := t.tx.QueryRow(ctx, `
		WITH RECURSIVE admin_roles AS (
			SELECT rp.role_id FROM role_permissions rp
			JOIN permissions p ON p.id = rp.permission_id
			WHERE p.code = $3
			UNION
			SELECT ri.role_id FROM role_inherits ri
			JOIN admin_roles ar ON ar.role_id = ri.inherited_role_id
		)
		SELECT COUNT(*) FROM memberships m
		WHERE m.organization_id = $1 AND m.id <> $2 AND m.is_active
		  AND (m.role_id IN (SELECT role_id FROM admin_roles)
		       OR LOWER(COALESCE(m.legacy_role_label, '')) = ANY($4))`,
		orgID, excludeMembershipID, authz.PermUsersManage, authz.LegacyAdminLabels()).Scan(&count)
	return count, err
}

func (t *txRepo) InsertInvite(ctx context.Context, m Membership) (Membership, error) {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO memberships (organization_id, user_id, role_id, is_active,
			invited_at, invited_by, invite_token, invite_last_sent_at, invite_send_count, created_at)
		VALUES ($1, $2, $3, TRUE, $4, $5, $6, $4, 1, NOW())
		RETURNING id, created_at`,
		m.OrganizationID, m.UserID, m.Role.RoleID, m.InvitedAt, m.InvitedBy, m.InviteToken).
		Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return Membership{}, fmt.Errorf("memberships: user %d already bound to org %d: %w", m.UserID, m.OrganizationID, shared.ErrConflict)
		}
		return Membership{}, err
	}
	m.IsActive = true
	m.InviteLastSentAt = m.InvitedAt
	m.InviteSendCount = 1
	return m, nil
}

func (t *txRepo) ReactivateInvite(ctx context.Context, id int64, roleID int64, invitedBy int64, token string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE memberships SET role_id = $2, is_active = TRUE,
			invited_at = COALESCE(invited_at, $5), invited_by = $3, invite_token = $4,
			invite_last_sent_at = $5, invite_send_count = invite_send_count + 1,
			invite_accepted_at = NULL, invite_revoked_at = NULL
		WHERE id = $1`, id, roleID, invitedBy, token, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("memberships: membership %d: %w", id, shared.ErrNotFound)
	}
	return nil
}

func (t *txRepo) UpdateInviteSent(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE memberships SET invite_last_sent_at = $2, invite_send_count = invite_send_count + 1
		WHERE id = $1`, id, at)
	return err
}

func (t *txRepo) SetAccepted(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE memberships SET invite_accepted_at = $2 WHERE id = $1`, id, at)
	return err
}

func (t *txRepo) SetRevoked(ctx context.Context, id int64, at time.Time) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE memberships SET invite_revoked_at = $2, is_active = FALSE WHERE id = $1`, id, at)
	return err
}

func (t *txRepo) UpdateRole(ctx context.Context, id int64, roleID int64) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE memberships SET role_id = $2, legacy_role_label = NULL WHERE id = $1`, id, roleID)
	return err
}

func (t *txRepo) SetActive(ctx context.Context, id int64, active bool) error {
	_, err := t.tx.Exec(ctx, `UPDATE memberships SET is_active = $2 WHERE id = $1`, id, active)
	return err
}

func (t *txRepo) Delete(ctx context.Context, id int64) error {
	_, err := t.tx.Exec(ctx, `DELETE FROM memberships WHERE id = $1`, id)
	return err
}

func (t *txRepo) SetDepartment(ctx context.Context, id int64, departmentID *int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE memberships SET department_id = $2 WHERE id = $1`, id, departmentID)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
