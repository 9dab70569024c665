package authz

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clearcomply/clearcomply/internal/shared"
)

// DecisionMetrics receives authorization decision and cache events. A nil
// implementation is valid.
type DecisionMetrics interface {
	RecordDecision(code string, allowed bool)
	RecordCacheEvent(event string)
}

// ServiceOptions tunes the service.
type ServiceOptions struct {
	// CacheTTL bounds how long a resolved permission set may be served
	// without recomputation. Explicit invalidation remains the mechanism
	// that guarantees freshness after mutations.
	CacheTTL time.Duration
	Logger   *slog.Logger
	Metrics  DecisionMetrics
}

const defaultCacheTTL = 5 * time.Minute

// Service orchestrates the authorization engine: seeding, role-graph
// mutations and permission resolution.
type Service struct {
	repo     RepositoryPort
	cache    PermissionSetCache
	cacheTTL time.Duration
	logger   *slog.Logger
	metrics  DecisionMetrics
	resolve  singleflight.Group
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, cache PermissionSetCache, opts ServiceOptions) *Service {
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		cache:    cache,
		cacheTTL: ttl,
		logger:   logger,
		metrics:  opts.Metrics,
	}
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (Role, error) {
	return s.repo.GetRole(ctx, id)
}

// ListRoles returns the organization's roles ordered by name.
func (s *Service) ListRoles(ctx context.Context, orgID int64) ([]Role, error) {
	return s.repo.ListRoles(ctx, orgID)
}

// CreateRole inserts a custom role for the organization. Duplicate names map
// to ErrConflict.
func (s *Service) CreateRole(ctx context.Context, orgID int64, name, description string, isSystem bool) (Role, error) {
	name = strings.TrimSpace(name)
	if orgID == 0 || name == "" {
		return Role{}, fmt.Errorf("authz: organization and role name required: %w", shared.ErrValidation)
	}
	var created Role
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.CreateRole(ctx, Role{
			OrganizationID: orgID,
			Name:           name,
			Description:    strings.TrimSpace(description),
			IsSystem:       isSystem,
		})
		if err != nil {
			return err
		}
		created = role
		return nil
	})
	if err != nil {
		return Role{}, err
	}
	return created, nil
}

// Grant adds a permission to a role's direct set, idempotently.
func (s *Service) Grant(ctx context.Context, roleID int64, code string) error {
	var orgID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		perm, err := tx.GetPermissionByCode(ctx, code)
		if err != nil {
			return err
		}
		orgID = role.OrganizationID
		return tx.GrantPermission(ctx, role.ID, perm.ID)
	})
	if err != nil {
		return err
	}
	s.invalidateRoleMembers(ctx, orgID, roleID)
	return nil
}

// AddInheritance inserts an inheritance edge after validating that both roles
// belong to the same organization and that the edge keeps the graph acyclic.
func (s *Service) AddInheritance(ctx context.Context, roleID, inheritedRoleID int64) error {
	if roleID == inheritedRoleID {
		return fmt.Errorf("authz: role cannot inherit itself: %w", shared.ErrValidation)
	}
	var orgID int64
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		role, err := tx.GetRole(ctx, roleID)
		if err != nil {
			return err
		}
		inherited, err := tx.GetRole(ctx, inheritedRoleID)
		if err != nil {
			return err
		}
		if role.OrganizationID != inherited.OrganizationID {
			return fmt.Errorf("authz: inheritance across organizations: %w", shared.ErrValidation)
		}
		// Reject the edge when role is reachable from inherited: inserting
		// it would close a cycle.
		reachable, err := reachable(ctx, tx, inheritedRoleID, roleID)
		if err != nil {
			return err
		}
		if reachable {
			return fmt.Errorf("authz: inheritance edge would create a cycle: %w", shared.ErrValidation)
		}
		orgID = role.OrganizationID
		return tx.AddInheritanceEdge(ctx, roleID, inheritedRoleID)
	})
	if err != nil {
		return err
	}
	s.invalidateRoleMembers(ctx, orgID, roleID)
	return nil
}

// reachable walks inheritance edges from startID looking for targetID.
func reachable(ctx context.Context, r Reader, startID, targetID int64) (bool, error) {
	visited := map[int64]struct{}{}
	stack := []int64{startID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == targetID {
			return true, nil
		}
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		next, err := r.RoleInheritedIDs(ctx, id)
		if err != nil {
			return false, err
		}
		stack = append(stack, next...)
	}
	return false, nil
}

// invalidateRoleMembers drops cache entries for every active member whose
// assigned role reaches the mutated role through inheritance. Runs after
// commit; failures are logged, the TTL bounds the staleness of any entry a
// failed invalidation leaves behind.
func (s *Service) invalidateRoleMembers(ctx context.Context, orgID, roleID int64) {
	if s.cache == nil {
		return
	}
	affected, err := s.dependentClosure(ctx, roleID)
	if err != nil {
		s.logger.Error("authz: collect dependent roles", slog.Int64("role_id", roleID), slog.Any("error", err))
		return
	}
	userIDs, err := s.repo.ActiveUserIDsForRoles(ctx, orgID, affected)
	if err != nil {
		s.logger.Error("authz: list affected members", slog.Int64("role_id", roleID), slog.Any("error", err))
		return
	}
	for _, userID := range userIDs {
		if err := s.cache.Invalidate(ctx, userID, orgID); err != nil {
			s.logger.Error("authz: invalidate cache", slog.Int64("user_id", userID), slog.Int64("org_id", orgID), slog.Any("error", err))
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordCacheEvent("invalidate")
		}
	}
}

// dependentClosure returns roleID plus every role that inherits it, directly
// or transitively.
func (s *Service) dependentClosure(ctx context.Context, roleID int64) ([]int64, error) {
	visited := map[int64]struct{}{}
	stack := []int64{roleID}
	var closure []int64
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}
		closure = append(closure, id)
		dependents, err := s.repo.RoleDependentIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		stack = append(stack, dependents...)
	}
	return closure, nil
}
