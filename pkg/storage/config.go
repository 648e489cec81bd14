package storage

import "time"

// Config for storage backends
type Config struct {
	Type string // "postgres", "sqlite", "memory"

	// PostgreSQL config
	PostgresURL      string
	PostgresMaxConns int
	PostgresMinConns int
	PostgresTimeout  time.Duration

	// SQLite config
	SQLitePath string

	// Redis config
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Cache config
	CacheEnabled bool
	CacheTTL     time.Duration
	L1CacheSize  int

	// S3 archive config
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	// Dedup retention: processed events older than this may be purged.
	// Must stay at or above the provider's maximum redelivery window.
	EventRetention time.Duration
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		Type:             "memory",
		PostgresMaxConns: 20,
		PostgresMinConns: 2,
		PostgresTimeout:  5 * time.Second,
		SQLitePath:       "rankforge.db",
		RedisDB:          -1,
		CacheEnabled:     true,
		CacheTTL:         30 * time.Second,
		L1CacheSize:      10000,
		S3Region:         "us-east-1",
		EventRetention:   90 * 24 * time.Hour,
	}
}
