package storage_test

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/tiers"
)

func newMockPostgres(t *testing.T) (*storage.PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	return storage.NewPostgresStoreWithDB(db, tiers.NewCatalog(), logger), mock
}

func marshaledDoc(t *testing.T, doc *entitlement.TenantEntitlement) []byte {
	t.Helper()
	raw, err := json.Marshal(doc)
	require.NoError(t, err)
	return raw
}

func TestPostgresStore_Get(t *testing.T) {
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		store, mock := newMockPostgres(t)
		doc := entitlement.NewDefault("acme", tiers.NewCatalog())
		doc.Tier = tiers.TierStarter
		now := time.Now().UTC()

		mock.ExpectQuery("SELECT doc, version, updated_at FROM entitlements").
			WithArgs("acme").
			WillReturnRows(sqlmock.NewRows([]string{"doc", "version", "updated_at"}).
				AddRow(marshaledDoc(t, doc), int64(3), now))

		got, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, tiers.TierStarter, got.Tier)
		assert.Equal(t, int64(3), got.Version, "version column wins over the JSON copy")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		store, mock := newMockPostgres(t)

		mock.ExpectQuery("SELECT doc, version, updated_at FROM entitlements").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"doc", "version", "updated_at"}))

		_, err := store.Get(ctx, "ghost")
		assert.ErrorIs(t, err, entitlement.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_CreateDefault(t *testing.T) {
	ctx := context.Background()
	store, mock := newMockPostgres(t)
	doc := entitlement.NewDefault("acme", tiers.NewCatalog())

	mock.ExpectExec("INSERT INTO entitlements").
		WithArgs("acme", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT doc, version, updated_at FROM entitlements").
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"doc", "version", "updated_at"}).
			AddRow(marshaledDoc(t, doc), int64(0), time.Now().UTC()))

	got, err := store.CreateDefault(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, tiers.TierFree, got.Tier)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()

	t.Run("success bumps the caller's version", func(t *testing.T) {
		store, mock := newMockPostgres(t)
		doc := entitlement.NewDefault("acme", tiers.NewCatalog())
		doc.Version = 2

		mock.ExpectExec("UPDATE entitlements").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "acme", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.CompareAndSwap(ctx, doc))
		assert.Equal(t, int64(3), doc.Version)
		assert.False(t, doc.UpdatedAt.IsZero())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost race returns conflict", func(t *testing.T) {
		store, mock := newMockPostgres(t)
		doc := entitlement.NewDefault("acme", tiers.NewCatalog())
		doc.Version = 2

		mock.ExpectExec("UPDATE entitlements").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "acme", int64(2)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("acme").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		err := store.CompareAndSwap(ctx, doc)
		assert.ErrorIs(t, err, entitlement.ErrConflict)
		assert.Equal(t, int64(2), doc.Version, "conflict leaves the caller's copy untouched")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing row returns not found", func(t *testing.T) {
		store, mock := newMockPostgres(t)
		doc := entitlement.NewDefault("ghost", tiers.NewCatalog())

		mock.ExpectExec("UPDATE entitlements").
			WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), "ghost", int64(0)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.ErrorIs(t, store.CompareAndSwap(ctx, doc), entitlement.ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresStore_ProcessedEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("has processed", func(t *testing.T) {
		store, mock := newMockPostgres(t)

		mock.ExpectQuery("SELECT EXISTS").
			WithArgs("evt-1").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		done, err := store.HasProcessed(ctx, "evt-1")
		require.NoError(t, err)
		assert.True(t, done)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("mark processed", func(t *testing.T) {
		store, mock := newMockPostgres(t)

		mock.ExpectExec("INSERT INTO processed_events").
			WithArgs("evt-1", "tier=starter status=active").
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, store.MarkProcessed(ctx, "evt-1", "tier=starter status=active"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("purge", func(t *testing.T) {
		store, mock := newMockPostgres(t)
		cutoff := time.Now().UTC().Add(-90 * 24 * time.Hour)

		mock.ExpectExec("DELETE FROM processed_events").
			WithArgs(cutoff).
			WillReturnResult(sqlmock.NewResult(0, 42))

		n, err := store.PurgeProcessedBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(42), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
