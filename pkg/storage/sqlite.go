package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconcile"
	"github.com/rankforge/rankforge/pkg/tiers"
)

// SQLiteStore implements entitlement.Store and reconcile.Deduplicator on
// SQLite for single-node installs and tests. Same document-plus-version
// layout as PostgresStore.
type SQLiteStore struct {
	db      *sql.DB
	catalog *tiers.Catalog
	logger  *observability.Logger
}

// NewSQLiteStore opens (or creates) a SQLite database and runs the schema.
// Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string, catalog *tiers.Catalog, logger *observability.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers anyway; a single connection avoids
	// database-locked errors and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, catalog: catalog, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS entitlements (
			tenant_id TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);

		CREATE TABLE IF NOT EXISTS processed_events (
			event_id TEXT PRIMARY KEY,
			processed_at TIMESTAMP NOT NULL,
			effect TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at ON processed_events (processed_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sqlite schema: %w", err)
	}
	return nil
}

// Get returns the current document for a tenant, or entitlement.ErrNotFound.
func (s *SQLiteStore) Get(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	var raw []byte
	var version int64
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT doc, version, updated_at FROM entitlements WHERE tenant_id = ?`, tenantID).
		Scan(&raw, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	doc := &entitlement.TenantEntitlement{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement for %s: %w", tenantID, err)
	}
	doc.Version = version
	doc.UpdatedAt = updatedAt
	return doc, nil
}

// CreateDefault returns the stored document, inserting a free-tier default
// first if none exists.
func (s *SQLiteStore) CreateDefault(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	doc := entitlement.NewDefault(tenantID, s.catalog)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default entitlement: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entitlements (tenant_id, doc, version, updated_at)
		VALUES (?, ?, 0, ?)
		ON CONFLICT (tenant_id) DO NOTHING
	`, tenantID, raw, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to create default entitlement: %w", err)
	}

	return s.Get(ctx, tenantID)
}

// CompareAndSwap persists e iff the stored version still matches e.Version.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, e *entitlement.TenantEntitlement) error {
	next := e.Clone()
	next.Version = e.Version + 1
	now := time.Now().UTC()
	next.UpdatedAt = now

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE entitlements
		SET doc = ?, version = version + 1, updated_at = ?
		WHERE tenant_id = ? AND version = ?
	`, raw, now, e.TenantID, e.Version)
	if err != nil {
		return fmt.Errorf("failed to update entitlement: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM entitlements WHERE tenant_id = ?)`, e.TenantID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check entitlement existence: %w", err)
		}
		if !exists {
			return entitlement.ErrNotFound
		}
		return entitlement.ErrConflict
	}

	e.Version = next.Version
	e.UpdatedAt = now
	return nil
}

// List returns every entitlement document, ordered by tenant id.
func (s *SQLiteStore) List(ctx context.Context) ([]*entitlement.TenantEntitlement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc, version, updated_at FROM entitlements ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list entitlements: %w", err)
	}
	defer rows.Close()

	var out []*entitlement.TenantEntitlement
	for rows.Next() {
		var raw []byte
		var version int64
		var updatedAt time.Time
		if err := rows.Scan(&raw, &version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		doc := &entitlement.TenantEntitlement{}
		if err := json.Unmarshal(raw, doc); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entitlement: %w", err)
		}
		doc.Version = version
		doc.UpdatedAt = updatedAt
		out = append(out, doc)
	}
	return out, rows.Err()
}

// HasProcessed reports whether an event id was already recorded.
func (s *SQLiteStore) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = ?)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed records an event id. Idempotent.
func (s *SQLiteStore) MarkProcessed(ctx context.Context, eventID, effect string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processed_events (event_id, processed_at, effect)
		VALUES (?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, time.Now().UTC(), effect)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// ListProcessedBefore returns processed records older than cutoff, oldest
// first, capped at limit when limit > 0.
func (s *SQLiteStore) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]reconcile.ProcessedEvent, error) {
	query := `
		SELECT event_id, processed_at, effect
		FROM processed_events
		WHERE processed_at < ?
		ORDER BY processed_at
	`
	args := []interface{}{cutoff}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list processed events: %w", err)
	}
	defer rows.Close()

	var out []reconcile.ProcessedEvent
	for rows.Next() {
		var rec reconcile.ProcessedEvent
		if err := rows.Scan(&rec.EventID, &rec.ProcessedAt, &rec.Effect); err != nil {
			return nil, fmt.Errorf("failed to scan processed event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeProcessedBefore deletes processed records older than cutoff.
func (s *SQLiteStore) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", err)
	}
	return result.RowsAffected()
}

// DB exposes the underlying connection for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
