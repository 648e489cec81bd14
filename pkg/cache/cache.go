// Package cache layers a read-through cache over an entitlement store: a
// small in-process LRU in front of an optional shared Redis tier. Writes pass
// through and invalidate both layers, so a successful compare-and-swap is
// visible to the next read.
package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/storage"
)

// ReadThrough implements entitlement.Store with caching in front of a
// durable store. Concurrent misses for the same tenant collapse into one
// backend read.
type ReadThrough struct {
	store   entitlement.Store
	l1      *lru.LRU[string, *entitlement.TenantEntitlement]
	l2      *storage.RedisClient
	group   singleflight.Group
	metrics *observability.Metrics
}

// Option configures a ReadThrough.
type Option func(*ReadThrough)

// WithRedis adds the shared Redis tier.
func WithRedis(l2 *storage.RedisClient) Option {
	return func(c *ReadThrough) { c.l2 = l2 }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *ReadThrough) { c.metrics = m }
}

// New creates a read-through cache over store.
func New(store entitlement.Store, cfg storage.Config, opts ...Option) *ReadThrough {
	size := cfg.L1CacheSize
	if size <= 0 {
		size = 1024
	}
	c := &ReadThrough{
		store: store,
		l1:    lru.NewLRU[string, *entitlement.TenantEntitlement](size, nil, cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *ReadThrough) recordHit(layer string) {
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.WithLabelValues(layer).Inc()
	}
}

func (c *ReadThrough) recordMiss(layer string) {
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.WithLabelValues(layer).Inc()
	}
}

// Get returns the tenant's document, from cache when fresh.
func (c *ReadThrough) Get(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	if doc, ok := c.l1.Get(tenantID); ok {
		c.recordHit("l1")
		return doc.Clone(), nil
	}
	c.recordMiss("l1")

	if c.l2 != nil {
		if doc, _ := c.l2.GetEntitlement(ctx, tenantID); doc != nil {
			c.recordHit("l2")
			c.l1.Add(tenantID, doc.Clone())
			return doc, nil
		}
		c.recordMiss("l2")
	}

	v, err, _ := c.group.Do(tenantID, func() (interface{}, error) {
		doc, err := c.store.Get(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		c.populate(ctx, doc)
		return doc, nil
	})
	if err != nil {
		return nil, err
	}

	doc, ok := v.(*entitlement.TenantEntitlement)
	if !ok {
		return nil, fmt.Errorf("cache: unexpected value type %T", v)
	}
	return doc.Clone(), nil
}

// CreateDefault delegates to the store and caches the result.
func (c *ReadThrough) CreateDefault(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	doc, err := c.store.CreateDefault(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	c.populate(ctx, doc)
	return doc, nil
}

// CompareAndSwap delegates to the store and invalidates both cache layers on
// success. Cached copies of the losing version must never outlive the write.
func (c *ReadThrough) CompareAndSwap(ctx context.Context, e *entitlement.TenantEntitlement) error {
	err := c.store.CompareAndSwap(ctx, e)
	if err != nil {
		return err
	}
	c.Invalidate(ctx, e.TenantID)
	return nil
}

// Invalidate drops a tenant's cached document from every layer.
func (c *ReadThrough) Invalidate(ctx context.Context, tenantID string) {
	c.l1.Remove(tenantID)
	if c.l2 != nil {
		c.l2.InvalidateEntitlement(ctx, tenantID)
	}
}

func (c *ReadThrough) populate(ctx context.Context, doc *entitlement.TenantEntitlement) {
	c.l1.Add(doc.TenantID, doc.Clone())
	if c.l2 != nil {
		c.l2.SetEntitlement(ctx, doc)
	}
}
