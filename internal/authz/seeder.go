package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clearcomply/clearcomply/internal/shared"
)

// seedAttempts bounds retries when concurrent callers race on the unique
// constraints. The loser of a race re-reads and finds the winner's rows.
const seedAttempts = 2

// EnsureSeeded idempotently guarantees the permission catalog and the four
// built-in roles (with their grants and inheritance edges) exist for the
// organization. Completeness is tracked by a persisted seed version, not by
// counting role rows: a partially-seeded organization has no version row and
// is re-seeded on the next call.
func (s *Service) EnsureSeeded(ctx context.Context, orgID int64) error {
	if orgID == 0 {
		return fmt.Errorf("authz: organization required: %w", shared.ErrValidation)
	}

	version, err := s.repo.SeedState(ctx, orgID)
	if err != nil {
		return fmt.Errorf("authz: seed org %d: read seed state: %w", orgID, err)
	}
	if version >= SeedVersion {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < seedAttempts; attempt++ {
		err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return seedOrganization(ctx, tx, orgID)
		})
		if err == nil {
			s.logger.Info("authz: organization seeded", slog.Int64("org_id", orgID), slog.Int("version", SeedVersion))
			return nil
		}
		if errors.Is(err, shared.ErrConflict) {
			// A concurrent caller inserted a role between our read and
			// write. Re-run: the get-or-create path now finds their row.
			lastErr = err
			continue
		}
		return fmt.Errorf("authz: seed org %d: %w", orgID, err)
	}
	return fmt.Errorf("authz: seed org %d raced: %w: %w", orgID, shared.ErrConcurrency, lastErr)
}

// seedOrganization performs one full seeding pass inside a transaction.
// Every statement is idempotent, so re-running after a partial failure or a
// lost race converges on the same rows.
func seedOrganization(ctx context.Context, tx TxRepository, orgID int64) error {
	// Re-check under the transaction snapshot: another caller may have
	// finished between the fast path and here.
	version, err := tx.SeedState(ctx, orgID)
	if err != nil {
		return fmt.Errorf("read seed state: %w", err)
	}
	if version >= SeedVersion {
		return nil
	}

	permsByCode := make(map[string]Permission, len(CatalogPermissions()))
	for _, p := range CatalogPermissions() {
		stored, err := tx.EnsurePermission(ctx, p.Code, p.Description)
		if err != nil {
			return fmt.Errorf("ensure permission %s: %w", p.Code, err)
		}
		permsByCode[stored.Code] = stored
	}

	descriptions := DefaultRoleDescriptions()
	rolesByName := make(map[string]Role, len(descriptions))
	for name, description := range descriptions {
		role, err := getOrCreateRole(ctx, tx, orgID, name, description)
		if err != nil {
			return err
		}
		rolesByName[name] = role
	}

	for name, codes := range DefaultRoleGrants() {
		role := rolesByName[name]
		for _, code := range codes {
			perm, ok := permsByCode[code]
			if !ok {
				return fmt.Errorf("grant %s to %s: %w", code, name, shared.ErrNotFound)
			}
			if err := tx.GrantPermission(ctx, role.ID, perm.ID); err != nil {
				return fmt.Errorf("grant %s to %s: %w", code, name, err)
			}
		}
	}

	for _, edge := range DefaultRoleInheritance() {
		role, inherited := rolesByName[edge[0]], rolesByName[edge[1]]
		if err := tx.AddInheritanceEdge(ctx, role.ID, inherited.ID); err != nil {
			return fmt.Errorf("inherit %s from %s: %w", edge[1], edge[0], err)
		}
	}

	if err := tx.SetSeedState(ctx, orgID, SeedVersion); err != nil {
		return fmt.Errorf("record seed state: %w", err)
	}
	return nil
}

func getOrCreateRole(ctx context.Context, tx TxRepository, orgID int64, name, description string) (Role, error) {
	role, err := tx.GetRoleByName(ctx, orgID, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, fmt.Errorf("find role %s: %w", name, err)
	}
	return tx.CreateRole(ctx, Role{
		OrganizationID: orgID,
		Name:           name,
		Description:    description,
		IsSystem:       true,
	})
}
