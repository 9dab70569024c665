package authz

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PermissionSetCache stores resolved effective-permission sets keyed by
// (user, organization). It is a disposable derived view: entries carry a
// short TTL, and every mutation that can change an answer invalidates the
// affected pairs explicitly at commit time. TTL expiry alone is never relied
// on for security-relevant invalidation.
type PermissionSetCache interface {
	Get(ctx context.Context, userID, orgID int64) (codes []string, ok bool, err error)
	Set(ctx context.Context, userID, orgID int64, codes []string, ttl time.Duration) error
	Invalidate(ctx context.Context, userID, orgID int64) error
}

func permissionSetKey(userID, orgID int64) string {
	return fmt.Sprintf("authz:perms:%d:%d", orgID, userID)
}

// RedisPermissionCache is the Redis-backed cache used in multi-node
// deployments. A nil client degrades to a pass-through (always miss).
type RedisPermissionCache struct {
	client *redis.Client
}

// NewRedisPermissionCache wraps the given client.
func NewRedisPermissionCache(client *redis.Client) *RedisPermissionCache {
	return &RedisPermissionCache{client: client}
}

// Get loads the cached permission set.
func (c *RedisPermissionCache) Get(ctx context.Context, userID, orgID int64) ([]string, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	payload, err := c.client.Get(ctx, permissionSetKey(userID, orgID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var codes []string
	if err := json.Unmarshal(payload, &codes); err != nil {
		return nil, false, err
	}
	return codes, true, nil
}

// Set stores the permission set with the given TTL.
func (c *RedisPermissionCache) Set(ctx context.Context, userID, orgID int64, codes []string, ttl time.Duration) error {
	if c == nil || c.client == nil {
		return nil
	}
	if codes == nil {
		codes = []string{}
	}
	payload, err := json.Marshal(codes)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, permissionSetKey(userID, orgID), payload, ttl).Err()
}

// Invalidate removes the entry for the pair.
func (c *RedisPermissionCache) Invalidate(ctx context.Context, userID, orgID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, permissionSetKey(userID, orgID)).Err()
}

type memoryEntry struct {
	codes     []string
	expiresAt time.Time
}

// MemoryPermissionCache is a process-local, mutex-protected cache for
// single-node deployments and tests.
type MemoryPermissionCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryPermissionCache constructs an empty in-process cache.
func NewMemoryPermissionCache() *MemoryPermissionCache {
	return &MemoryPermissionCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get loads the cached permission set if present and not expired.
func (c *MemoryPermissionCache) Get(_ context.Context, userID, orgID int64) ([]string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[permissionSetKey(userID, orgID)]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, permissionSetKey(userID, orgID))
		return nil, false, nil
	}
	codes := make([]string, len(entry.codes))
	copy(codes, entry.codes)
	return codes, true, nil
}

// Set stores the permission set with the given TTL.
func (c *MemoryPermissionCache) Set(_ context.Context, userID, orgID int64, codes []string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]string, len(codes))
	copy(stored, codes)
	c.entries[permissionSetKey(userID, orgID)] = memoryEntry{codes: stored, expiresAt: c.now().Add(ttl)}
	return nil
}

// Invalidate removes the entry for the pair.
func (c *MemoryPermissionCache) Invalidate(_ context.Context, userID, orgID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, permissionSetKey(userID, orgID))
	return nil
}
