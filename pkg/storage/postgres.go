package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconcile"
	"github.com/rankforge/rankforge/pkg/tiers"
)

var tracer = otel.Tracer("rankforge/storage")

// Migration is one ordered schema change.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the entitlement schema migrations.
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create entitlements table",
			SQL: `
				CREATE TABLE IF NOT EXISTS entitlements (
					tenant_id VARCHAR(255) PRIMARY KEY,
					doc JSONB NOT NULL,
					version BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_entitlements_status ON entitlements ((doc->>'status'));
			`,
		},
		{
			Version:     2,
			Description: "Create processed_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS processed_events (
					event_id VARCHAR(255) PRIMARY KEY,
					processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					effect TEXT NOT NULL DEFAULT ''
				);

				CREATE INDEX IF NOT EXISTS idx_processed_events_processed_at ON processed_events (processed_at);
			`,
		},
	}
}

// PostgresStore implements entitlement.Store and reconcile.Deduplicator on
// PostgreSQL. The document is stored as JSONB with a separate version column
// so compare-and-swap is one conditional UPDATE.
type PostgresStore struct {
	db      *sql.DB
	catalog *tiers.Catalog
	logger  *observability.Logger
}

// NewPostgresStore connects to PostgreSQL, verifies the connection, and runs
// pending migrations.
func NewPostgresStore(cfg Config, catalog *tiers.Catalog, logger *observability.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(cfg.PostgresMaxConns)
	db.SetMaxIdleConns(cfg.PostgresMinConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.PostgresTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStore{db: db, catalog: catalog, logger: logger}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection without running
// migrations. Used by tests with sqlmock.
func NewPostgresStoreWithDB(db *sql.DB, catalog *tiers.Catalog, logger *observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, catalog: catalog, logger: logger}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range GetMigrations() {
		var exists bool
		err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", m.Version, err)
		}
		if exists {
			continue
		}

		if _, err := s.db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Description, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}
		s.logger.WithField("version", m.Version).Infof("Applied migration: %s", m.Description)
	}
	return nil
}

// Get returns the current document for a tenant, or entitlement.ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	ctx, span := tracer.Start(ctx, "PostgresStore.Get",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	query := `SELECT doc, version, updated_at FROM entitlements WHERE tenant_id = $1`

	var raw []byte
	var version int64
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&raw, &version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, entitlement.ErrNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("failed to get entitlement: %w", err)
	}

	doc := &entitlement.TenantEntitlement{}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entitlement for %s: %w", tenantID, err)
	}
	// Columns are authoritative over whatever the JSON carries.
	doc.Version = version
	doc.UpdatedAt = updatedAt
	return doc, nil
}

// CreateDefault returns the stored document, inserting a free-tier default
// first if none exists. The insert is ON CONFLICT DO NOTHING so concurrent
// callers converge on one row.
func (s *PostgresStore) CreateDefault(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	ctx, span := tracer.Start(ctx, "PostgresStore.CreateDefault",
		trace.WithAttributes(attribute.String("tenant.id", tenantID)))
	defer span.End()

	doc := entitlement.NewDefault(tenantID, s.catalog)
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal default entitlement: %w", err)
	}

	query := `
		INSERT INTO entitlements (tenant_id, doc, version)
		VALUES ($1, $2, 0)
		ON CONFLICT (tenant_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, raw); err != nil {
		return nil, fmt.Errorf("failed to create default entitlement: %w", err)
	}

	return s.Get(ctx, tenantID)
}

// CompareAndSwap persists e iff the stored version still matches e.Version.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, e *entitlement.TenantEntitlement) error {
	ctx, span := tracer.Start(ctx, "PostgresStore.CompareAndSwap",
		trace.WithAttributes(
			attribute.String("tenant.id", e.TenantID),
			attribute.Int64("entitlement.version", e.Version),
		))
	defer span.End()

	next := e.Clone()
	next.Version = e.Version + 1
	now := time.Now().UTC()
	next.UpdatedAt = now

	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal entitlement: %w", err)
	}

	query := `
		UPDATE entitlements
		SET doc = $1, version = version + 1, updated_at = $2
		WHERE tenant_id = $3 AND version = $4
	`
	result, err := s.db.ExecContext(ctx, query, raw, now, e.TenantID, e.Version)
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
			`SELECT EXISTS (SELECT 1 FROM entitlements WHERE tenant_id = $1)`, e.TenantID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check entitlement existence: %w", err)
		}
		if !exists {
			return entitlement.ErrNotFound
		}
		span.SetAttributes(attribute.Bool("cas.conflict", true))
		return entitlement.ErrConflict
	}

	e.Version = next.Version
	e.UpdatedAt = now
	return nil
}

// List returns every entitlement document, ordered by tenant id.
func (s *PostgresStore) List(ctx context.Context) ([]*entitlement.TenantEntitlement, error) {
	query := `SELECT doc, version, updated_at FROM entitlements ORDER BY tenant_id`

	rows, err := s.db.QueryContext(ctx, query)
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
func (s *PostgresStore) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_events WHERE event_id = $1)`, eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed records an event id. Idempotent; re-marking keeps the
// original record.
func (s *PostgresStore) MarkProcessed(ctx context.Context, eventID, effect string) error {
	query := `
		INSERT INTO processed_events (event_id, effect)
		VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query, eventID, effect); err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// ListProcessedBefore returns processed records older than cutoff, oldest
// first, capped at limit when limit > 0.
func (s *PostgresStore) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]reconcile.ProcessedEvent, error) {
	query := `
		SELECT event_id, processed_at, effect
		FROM processed_events
		WHERE processed_at < $1
		ORDER BY processed_at
	`
	args := []interface{}{cutoff}
	if limit > 0 {
		query += ` LIMIT $2`
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
func (s *PostgresStore) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge processed events: %w", err)
	}
	return result.RowsAffected()
}

// HealthCheck verifies the database connection.
func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}

// DB exposes the underlying connection for health checks.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
