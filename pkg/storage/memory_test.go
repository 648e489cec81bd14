package storage_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/tiers"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("get unknown tenant", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())
		_, err := store.Get(ctx, "ghost")
		assert.ErrorIs(t, err, entitlement.ErrNotFound)
	})

	t.Run("create default is lazy and idempotent", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())

		doc, err := store.CreateDefault(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tiers.TierFree, doc.Tier)
		assert.Equal(t, entitlement.StatusFree, doc.Status)
		assert.Equal(t, int64(0), doc.Version)

		again, err := store.CreateDefault(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, doc.Version, again.Version)
	})

	t.Run("concurrent create default yields one document", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := store.CreateDefault(ctx, "acme")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		docs, err := store.List(ctx)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})

	t.Run("compare and swap", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())

		doc, err := store.CreateDefault(ctx, "acme")
		require.NoError(t, err)

		stale := doc.Clone()

		doc.Tier = tiers.TierStarter
		require.NoError(t, store.CompareAndSwap(ctx, doc))
		assert.Equal(t, int64(1), doc.Version, "successful CAS bumps the caller's copy")
		assert.False(t, doc.UpdatedAt.IsZero())

		stale.Tier = tiers.TierEnterprise
		err = store.CompareAndSwap(ctx, stale)
		assert.ErrorIs(t, err, entitlement.ErrConflict)

		stored, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tiers.TierStarter, stored.Tier, "losing write must not land")
	})

	t.Run("cas on missing tenant", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())
		doc := entitlement.NewDefault("ghost", tiers.NewCatalog())
		assert.ErrorIs(t, store.CompareAndSwap(ctx, doc), entitlement.ErrNotFound)
	})

	t.Run("returned documents are isolated copies", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())

		doc, err := store.CreateDefault(ctx, "acme")
		require.NoError(t, err)
		q := doc.Quotas[tiers.QuotaMonthlyAnalyses]
		q.Used = 999
		doc.Quotas[tiers.QuotaMonthlyAnalyses] = q

		stored, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, int64(0), stored.Quotas[tiers.QuotaMonthlyAnalyses].Used)
	})

	t.Run("list orders by tenant id", func(t *testing.T) {
		store := storage.NewMemoryStore(tiers.NewCatalog())
		for _, id := range []string{"zeta", "acme", "mid"} {
			_, err := store.CreateDefault(ctx, id)
			require.NoError(t, err)
		}

		docs, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, docs, 3)
		assert.Equal(t, "acme", docs[0].TenantID)
		assert.Equal(t, "mid", docs[1].TenantID)
		assert.Equal(t, "zeta", docs[2].TenantID)
	})
}

func TestMemoryDedup(t *testing.T) {
	ctx := context.Background()

	t.Run("mark and check", func(t *testing.T) {
		dedup := storage.NewMemoryDedup()

		done, err := dedup.HasProcessed(ctx, "evt-1")
		require.NoError(t, err)
		assert.False(t, done)

		require.NoError(t, dedup.MarkProcessed(ctx, "evt-1", "tier=starter status=active"))

		done, err = dedup.HasProcessed(ctx, "evt-1")
		require.NoError(t, err)
		assert.True(t, done)

		// Re-marking keeps the original record.
		require.NoError(t, dedup.MarkProcessed(ctx, "evt-1", "something else"))
		recs, err := dedup.ListProcessedBefore(ctx, time.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "tier=starter status=active", recs[0].Effect)
	})

	t.Run("purge respects cutoff", func(t *testing.T) {
		dedup := storage.NewMemoryDedup()
		require.NoError(t, dedup.MarkProcessed(ctx, "evt-old", "applied"))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, dedup.MarkProcessed(ctx, "evt-new", "applied"))

		recs, err := dedup.ListProcessedBefore(ctx, time.Now().Add(time.Hour), 0)
		require.NoError(t, err)
		require.Len(t, recs, 2)

		n, err := dedup.PurgeProcessedBefore(ctx, recs[0].ProcessedAt.Add(time.Millisecond))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		done, err := dedup.HasProcessed(ctx, "evt-old")
		require.NoError(t, err)
		assert.False(t, done)
		done, err = dedup.HasProcessed(ctx, "evt-new")
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("list honors limit and order", func(t *testing.T) {
		dedup := storage.NewMemoryDedup()
		for _, id := range []string{"evt-1", "evt-2", "evt-3"} {
			require.NoError(t, dedup.MarkProcessed(ctx, id, "applied"))
			time.Sleep(2 * time.Millisecond)
		}

		recs, err := dedup.ListProcessedBefore(ctx, time.Now().Add(time.Hour), 2)
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "evt-1", recs[0].EventID)
		assert.Equal(t, "evt-2", recs[1].EventID)
	})
}
