package authz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestMemoryPermissionCacheRoundTrip(t *testing.T) {
	cache := NewMemoryPermissionCache()
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, 7, 42, []string{PermDocumentsView}, time.Minute))
	codes, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{PermDocumentsView}, codes)

	// Entries are isolated per (user, org) pair.
	_, ok, err = cache.Get(ctx, 7, 43)
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = cache.Get(ctx, 8, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Invalidate(ctx, 7, 42))
	_, ok, err = cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryPermissionCacheExpiry(t *testing.T) {
	cache := NewMemoryPermissionCache()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, 7, 42, []string{PermDocumentsView}, time.Minute))

	now = now.Add(59 * time.Second)
	_, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	_, ok, err = cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMemoryPermissionCacheCopiesSlices(t *testing.T) {
	cache := NewMemoryPermissionCache()
	ctx := context.Background()

	stored := []string{PermDocumentsView}
	require.NoError(t, cache.Set(ctx, 7, 42, stored, time.Minute))
	stored[0] = "mutated"

	codes, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{PermDocumentsView}, codes)

	codes[0] = "mutated again"
	codes, _, err = cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.Equal(t, []string{PermDocumentsView}, codes)
}

func TestRedisPermissionCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := NewRedisPermissionCache(client)
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, 7, 42, []string{PermDocumentsView, PermDocumentsUpload}, time.Minute))
	codes, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{PermDocumentsView, PermDocumentsUpload}, codes)

	// The empty set is a valid cached value, distinct from a miss.
	require.NoError(t, cache.Set(ctx, 8, 42, nil, time.Minute))
	codes, ok, err = cache.Get(ctx, 8, 42)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, codes)

	mr.FastForward(2 * time.Minute)
	_, ok, err = cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.Set(ctx, 7, 42, []string{PermDocumentsView}, time.Minute))
	require.NoError(t, cache.Invalidate(ctx, 7, 42))
	_, ok, err = cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisPermissionCacheNilClient(t *testing.T) {
	var cache *RedisPermissionCache
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, 7, 42)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, cache.Set(ctx, 7, 42, []string{PermDocumentsView}, time.Minute))
	require.NoError(t, cache.Invalidate(ctx, 7, 42))
}

func TestLegacyLabelFolding(t *testing.T) {
	require.True(t, IsLegacyAdminLabel("admin"))
	require.True(t, IsLegacyAdminLabel("  ADMIN  "))
	require.True(t, IsLegacyAdminLabel("Organisation Administrator"))
	require.True(t, IsLegacyAdminLabel("organization administrator"))
	require.False(t, IsLegacyAdminLabel("administrator"))
	require.False(t, IsLegacyAdminLabel(""))

	require.Equal(t, []string{PermUsersManage}, LegacyPermissionCodes("Admin"))
	require.Nil(t, LegacyPermissionCodes("viewer"))

	require.Equal(t, RoleOrgAdmin, LegacyRoleName("Admin"))
	require.Equal(t, RoleMember, LegacyRoleName("viewer"))
}
