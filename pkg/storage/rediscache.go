package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
)

// RedisClient caches entitlement documents and provides the dedup fast path.
// Every method fails open: Redis being down degrades to store reads, never to
// request failures.
type RedisClient struct {
	client *redis.Client
	config Config
	logger *observability.Logger
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(cfg Config, logger *observability.Logger) (*RedisClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	if cfg.RedisPassword != "" {
		opts.Password = cfg.RedisPassword
	}
	if cfg.RedisDB >= 0 {
		opts.DB = cfg.RedisDB
	}
	if cfg.RedisMaxRetries > 0 {
		opts.MaxRetries = cfg.RedisMaxRetries
	}
	if cfg.RedisPoolSize > 0 {
		opts.PoolSize = cfg.RedisPoolSize
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisClient{client: client, config: cfg, logger: logger}, nil
}

// NewRedisClientWithClient wraps an existing client. Used by tests with
// miniredis.
func NewRedisClientWithClient(client *redis.Client, cfg Config, logger *observability.Logger) *RedisClient {
	return &RedisClient{client: client, config: cfg, logger: logger}
}

func entitlementKey(tenantID string) string {
	return "entitlement:" + tenantID
}

func processedKey(eventID string) string {
	return "processed:" + eventID
}

// GetEntitlement returns a cached document, or (nil, nil) on miss.
func (c *RedisClient) GetEntitlement(ctx context.Context, tenantID string) (*entitlement.TenantEntitlement, error) {
	key := entitlementKey(tenantID)

	data, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		c.logger.WithError(err).WithTenant(tenantID).Warn("Redis entitlement read failed")
		return nil, nil
	}

	doc := &entitlement.TenantEntitlement{}
	if err := json.Unmarshal([]byte(data), doc); err != nil {
		c.client.Del(ctx, key)
		return nil, nil
	}
	return doc, nil
}

// SetEntitlement caches a document for the configured TTL.
func (c *RedisClient) SetEntitlement(ctx context.Context, doc *entitlement.TenantEntitlement) {
	data, err := json.Marshal(doc)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, entitlementKey(doc.TenantID), data, c.config.CacheTTL).Err(); err != nil {
		c.logger.WithError(err).WithTenant(doc.TenantID).Warn("Redis entitlement write failed")
	}
}

// InvalidateEntitlement drops a tenant's cached document. Called after every
// successful compare-and-swap.
func (c *RedisClient) InvalidateEntitlement(ctx context.Context, tenantID string) {
	if err := c.client.Del(ctx, entitlementKey(tenantID)).Err(); err != nil {
		c.logger.WithError(err).WithTenant(tenantID).Warn("Redis entitlement invalidation failed")
	}
}

// SeenEvent is the dedup fast path: a read-only check for an event id that
// RecordEvent wrote after a durable apply. An error means Redis could not
// answer; the caller must fall through to the durable dedup store.
//
// The check never claims the id. Claiming before the durable mark would
// answer redeliveries of a never-applied event as duplicates after a crash,
// losing the event for the full key TTL.
func (c *RedisClient) SeenEvent(ctx context.Context, eventID string) (bool, error) {
	n, err := c.client.Exists(ctx, processedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists failed: %w", err)
	}
	return n > 0, nil
}

// RecordEvent marks an event id for the fast path, expiring with the
// retention window. Call only after the durable dedup store has the event;
// the key is a cache of that record, never a substitute for it.
func (c *RedisClient) RecordEvent(ctx context.Context, eventID string) {
	if err := c.client.Set(ctx, processedKey(eventID), 1, c.config.EventRetention).Err(); err != nil {
		c.logger.WithError(err).Warnf("Failed to record event %s", eventID)
	}
}

// HealthCheck verifies the Redis connection.
func (c *RedisClient) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Client exposes the underlying connection for health checks.
func (c *RedisClient) Client() *redis.Client {
	return c.client
}

// Close closes the Redis connection.
func (c *RedisClient) Close() error {
	return c.client.Close()
}
