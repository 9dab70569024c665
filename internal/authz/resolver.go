package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// EffectivePermissionCodes returns the role's direct permission codes plus
// every code reachable through inheritance. The walk keeps a visited set so
// it terminates even if a cycle ever makes it into storage; edge insertion
// rejects cycles, this is the defensive backstop.
func (s *Service) EffectivePermissionCodes(ctx context.Context, roleID int64) ([]string, error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return nil, err
	}
	return effectiveCodes(ctx, s.repo, roleID)
}

func effectiveCodes(ctx context.Context, r Reader, roleID int64) ([]string, error) {
	visited := map[int64]struct{}{}
	codes := map[string]struct{}{}
	stack := []int64{roleID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := visited[id]; seen {
			continue
		}
		visited[id] = struct{}{}

		direct, err := r.RolePermissionCodes(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("authz: permissions of role %d: %w", id, err)
		}
		for _, code := range direct {
			codes[code] = struct{}{}
		}

		inherited, err := r.RoleInheritedIDs(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("authz: inherits of role %d: %w", id, err)
		}
		stack = append(stack, inherited...)
	}

	out := make([]string, 0, len(codes))
	for code := range codes {
		out = append(out, code)
	}
	sort.Strings(out)
	return out, nil
}

// HasPermission reports whether the user's active membership in the
// organization grants the code. No active membership, an unresolvable role
// or any storage failure all deny.
func (s *Service) HasPermission(ctx context.Context, userID, orgID int64, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" || userID == 0 || orgID == 0 {
		return false, nil
	}

	codes, err := s.userPermissionCodes(ctx, userID, orgID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordDecision(code, false)
		}
		return false, err
	}
	allowed := false
	for _, c := range codes {
		if c == code {
			allowed = true
			break
		}
	}
	if s.metrics != nil {
		s.metrics.RecordDecision(code, allowed)
	}
	return allowed, nil
}

// userPermissionCodes resolves the effective permission set for the pair,
// serving from cache when possible. Concurrent misses for the same pair are
// collapsed into one recomputation.
func (s *Service) userPermissionCodes(ctx context.Context, userID, orgID int64) ([]string, error) {
	if s.cache != nil {
		codes, ok, err := s.cache.Get(ctx, userID, orgID)
		if err != nil {
			// A broken cache must not flip a deny into an allow or take the
			// service down: fall through to recomputation.
			s.logger.Warn("authz: cache get", slog.Int64("user_id", userID), slog.Int64("org_id", orgID), slog.Any("error", err))
		} else if ok {
			if s.metrics != nil {
				s.metrics.RecordCacheEvent("hit")
			}
			return codes, nil
		}
	}
	if s.metrics != nil {
		s.metrics.RecordCacheEvent("miss")
	}

	key := fmt.Sprintf("%d:%d", orgID, userID)
	result, err, _ := s.resolve.Do(key, func() (any, error) {
		return s.computePermissionCodes(ctx, userID, orgID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]string), nil
}

func (s *Service) computePermissionCodes(ctx context.Context, userID, orgID int64) ([]string, error) {
	assigned, ok, err := s.repo.ActiveAssignedRole(ctx, userID, orgID)
	if err != nil {
		return nil, fmt.Errorf("authz: membership of user %d in org %d: %w", userID, orgID, err)
	}

	var codes []string
	switch {
	case !ok:
		// No active membership: cache the empty set so repeated probes for
		// outsiders stay cheap.
		codes = []string{}
	case assigned.IsRoleRef():
		codes, err = effectiveCodes(ctx, s.repo, assigned.RoleID)
		if err != nil {
			return nil, err
		}
	default:
		codes = LegacyPermissionCodes(assigned.LegacyLabel)
	}
	if codes == nil {
		codes = []string{}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, orgID, codes, s.cacheTTL); err != nil {
			s.logger.Warn("authz: cache set", slog.Int64("user_id", userID), slog.Int64("org_id", orgID), slog.Any("error", err))
		}
	}
	return codes, nil
}

// InvalidateCache drops the cached permission set for the pair. Mutation
// paths call this at commit time; collaborators may call it directly through
// the external interface.
func (s *Service) InvalidateCache(ctx context.Context, userID, orgID int64) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Invalidate(ctx, userID, orgID); err != nil {
		return fmt.Errorf("authz: invalidate user %d org %d: %w", userID, orgID, err)
	}
	if s.metrics != nil {
		s.metrics.RecordCacheEvent("invalidate")
	}
	return nil
}
