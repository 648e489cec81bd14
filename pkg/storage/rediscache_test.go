package storage_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/tiers"
)

func newRedisClient(t *testing.T) (*storage.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := storage.DefaultConfig()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return storage.NewRedisClientWithClient(client, cfg, logger), mr
}

func TestRedisClient_EntitlementCache(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisClient(t)

	doc, err := cache.GetEntitlement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, doc, "cold cache misses")

	stored := entitlement.NewDefault("acme", tiers.NewCatalog())
	stored.Tier = tiers.TierStarter
	stored.Version = 4
	cache.SetEntitlement(ctx, stored)

	doc, err = cache.GetEntitlement(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, tiers.TierStarter, doc.Tier)
	assert.Equal(t, int64(4), doc.Version)

	// TTL expiry turns back into a miss.
	mr.FastForward(time.Minute)
	doc, err = cache.GetEntitlement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, doc)

	cache.SetEntitlement(ctx, stored)
	cache.InvalidateEntitlement(ctx, "acme")
	doc, err = cache.GetEntitlement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestRedisClient_CorruptCacheEntryDropped(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisClient(t)

	require.NoError(t, mr.Set("entitlement:acme", "{not json"))

	doc, err := cache.GetEntitlement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, doc, "corrupt entries read as misses")
	assert.False(t, mr.Exists("entitlement:acme"), "corrupt entries are deleted")
}

func TestRedisClient_SeenEvent(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisClient(t)

	// SeenEvent is read-only: repeated checks of an unrecorded id never
	// flip it to seen. A check that claimed the id would answer a crashed
	// delivery's redelivery as a duplicate before the event ever applied.
	seen, err := cache.SeenEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = cache.SeenEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen, "checking must not record")
	assert.False(t, mr.Exists("processed:evt-1"))

	cache.RecordEvent(ctx, "evt-1")
	seen, err = cache.SeenEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen, "recorded ids answer redeliveries")

	// Records expire with the retention window rather than living forever.
	mr.FastForward(storage.DefaultConfig().EventRetention + time.Hour)
	seen, err = cache.SeenEvent(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisClient_FailsOpenWhenDown(t *testing.T) {
	ctx := context.Background()
	cache, mr := newRedisClient(t)
	mr.Close()

	doc, err := cache.GetEntitlement(ctx, "acme")
	require.NoError(t, err)
	assert.Nil(t, doc, "cache reads degrade to misses")

	// Writes and invalidations just log.
	cache.SetEntitlement(ctx, entitlement.NewDefault("acme", tiers.NewCatalog()))
	cache.InvalidateEntitlement(ctx, "acme")

	// The dedup fast path must surface the error so callers fall through to
	// the durable store instead of treating every event as new.
	_, err = cache.SeenEvent(ctx, "evt-1")
	assert.Error(t, err)
}
