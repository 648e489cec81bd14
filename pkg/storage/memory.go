package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/reconcile"
	"github.com/rankforge/rankforge/pkg/tiers"
)

// MemoryStore is an in-memory entitlement.Store for tests and single-node
// development. Documents are deep-copied on every boundary crossing so
// callers can never mutate stored state behind the version check.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]*entitlement.TenantEntitlement
	catalog *tiers.Catalog
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(catalog *tiers.Catalog) *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]*entitlement.TenantEntitlement),
		catalog: catalog,
	}
}

// Get returns the current document for a tenant, or entitlement.ErrNotFound.
func (s *MemoryStore) Get(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[tenantID]
	if !ok {
		return nil, entitlement.ErrNotFound
	}
	return doc.Clone(), nil
}

// CreateDefault returns the stored document, creating a free-tier default
// first if none exists.
func (s *MemoryStore) CreateDefault(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[tenantID]
	if !ok {
		doc = entitlement.NewDefault(tenantID, s.catalog)
		s.docs[tenantID] = doc
	}
	return doc.Clone(), nil
}

// CompareAndSwap persists e iff the stored version still matches e.Version.
func (s *MemoryStore) CompareAndSwap(ctx context.Context, e *entitlement.TenantEntitlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.docs[e.TenantID]
	if !ok {
		return entitlement.ErrNotFound
	}
	if stored.Version != e.Version {
		return entitlement.ErrConflict
	}

	e.Version++
	e.UpdatedAt = time.Now().UTC()
	s.docs[e.TenantID] = e.Clone()
	return nil
}

// List returns every stored document, ordered by tenant id. Used by the
// past-due sweep.
func (s *MemoryStore) List(ctx context.Context) ([]*entitlement.TenantEntitlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*entitlement.TenantEntitlement, 0, len(s.docs))
	for _, doc := range s.docs {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// MemoryDedup is an in-memory reconcile.Deduplicator.
type MemoryDedup struct {
	mu     sync.RWMutex
	events map[string]reconcile.ProcessedEvent
}

// NewMemoryDedup creates an empty in-memory deduplicator.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{events: make(map[string]reconcile.ProcessedEvent)}
}

// HasProcessed reports whether eventID was already marked processed.
func (d *MemoryDedup) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	_, ok := d.events[eventID]
	return ok, nil
}

// MarkProcessed records eventID with a short effect summary. Idempotent.
func (d *MemoryDedup) MarkProcessed(ctx context.Context, eventID, effect string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.events[eventID]; ok {
		return nil
	}
	d.events[eventID] = reconcile.ProcessedEvent{
		EventID:     eventID,
		ProcessedAt: time.Now().UTC(),
		Effect:      effect,
	}
	return nil
}

// ListProcessedBefore returns processed records older than cutoff, ordered by
// processing time. Feeds the archival step of the retention sweep.
func (d *MemoryDedup) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]reconcile.ProcessedEvent, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]reconcile.ProcessedEvent, 0)
	for _, rec := range d.events {
		if rec.ProcessedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeProcessedBefore deletes processed records older than cutoff and
// returns how many were removed.
func (d *MemoryDedup) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var n int64
	for id, rec := range d.events {
		if rec.ProcessedAt.Before(cutoff) {
			delete(d.events, id)
			n++
		}
	}
	return n, nil
}
