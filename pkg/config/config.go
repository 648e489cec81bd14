package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Billing webhook configuration
	Billing BillingConfig

	// Tier catalog configuration
	Tiers TiersConfig

	// Sweeper configuration
	Sweeper SweeperConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string

	// CORSOrigins lists browser origins allowed on the read endpoints.
	// Empty disables CORS.
	CORSOrigins []string
}

// BillingConfig holds the payment provider webhook settings.
type BillingConfig struct {
	// WebhookSecret is the shared HMAC secret for signature verification.
	WebhookSecret string

	// SignatureTolerance bounds how old a signed timestamp may be.
	SignatureTolerance time.Duration
}

// TiersConfig holds the operator tier-override file settings.
type TiersConfig struct {
	// OverridesPath points at a YAML limits-override file. Empty disables
	// overrides. The file is hot-reloaded on change.
	OverridesPath string
}

// SweeperConfig holds maintenance job settings.
type SweeperConfig struct {
	// PurgeSchedule is a cron expression for the processed-event retention
	// sweep.
	PurgeSchedule string

	// GraceSchedule is a cron expression for the past-due grace sweep.
	GraceSchedule string

	// GracePeriod is how long a tenant may stay past_due before the sweep
	// downgrades it to free/canceled.
	GracePeriod time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Billing:       loadBillingConfig(),
		Tiers:         loadTiersConfig(),
		Sweeper:       loadSweeperConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("RANKFORGE_HOST", "0.0.0.0"),
		Port:            getEnv("RANKFORGE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("RANKFORGE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("RANKFORGE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("RANKFORGE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("RANKFORGE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("RANKFORGE_HEALTH_PORT", "9090"),
		CORSOrigins:     getEnvList("RANKFORGE_CORS_ORIGINS"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	if storageType := getEnv("RANKFORGE_STORAGE_TYPE", ""); storageType != "" {
		cfg.Type = storageType
	}

	// PostgreSQL config
	if pgURL := getEnv("RANKFORGE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if maxConns := getEnvInt("RANKFORGE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.PostgresMaxConns = maxConns
	}
	if minConns := getEnvInt("RANKFORGE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.PostgresMinConns = minConns
	}
	if timeout := getEnvDuration("RANKFORGE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.PostgresTimeout = timeout
	}

	// SQLite config
	if sqlitePath := getEnv("RANKFORGE_SQLITE_PATH", ""); sqlitePath != "" {
		cfg.SQLitePath = sqlitePath
	}

	// Redis config
	if redisURL := getEnv("RANKFORGE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("RANKFORGE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("RANKFORGE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("RANKFORGE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("RANKFORGE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Cache config
	if cacheEnabled := getEnv("RANKFORGE_CACHE_ENABLED", ""); cacheEnabled != "" {
		cfg.CacheEnabled = strings.ToLower(cacheEnabled) == "true"
	}
	if cacheTTL := getEnvDuration("RANKFORGE_CACHE_TTL", 0); cacheTTL > 0 {
		cfg.CacheTTL = cacheTTL
	}
	if l1CacheSize := getEnvInt("RANKFORGE_L1_CACHE_SIZE", 0); l1CacheSize > 0 {
		cfg.L1CacheSize = l1CacheSize
	}

	// S3 archive config
	if s3Endpoint := getEnv("RANKFORGE_S3_ENDPOINT", ""); s3Endpoint != "" {
		cfg.S3Endpoint = s3Endpoint
	}
	if s3Region := getEnv("RANKFORGE_S3_REGION", ""); s3Region != "" {
		cfg.S3Region = s3Region
	}
	if s3Bucket := getEnv("RANKFORGE_S3_BUCKET", ""); s3Bucket != "" {
		cfg.S3Bucket = s3Bucket
	}
	if s3AccessKey := getEnv("RANKFORGE_S3_ACCESS_KEY", ""); s3AccessKey != "" {
		cfg.S3AccessKey = s3AccessKey
	}
	if s3SecretKey := getEnv("RANKFORGE_S3_SECRET_KEY", ""); s3SecretKey != "" {
		cfg.S3SecretKey = s3SecretKey
	}
	if s3UsePathStyle := getEnv("RANKFORGE_S3_USE_PATH_STYLE", ""); s3UsePathStyle != "" {
		cfg.S3UsePathStyle = strings.ToLower(s3UsePathStyle) == "true"
	}

	// Retention config
	if retention := getEnvDuration("RANKFORGE_EVENT_RETENTION", 0); retention > 0 {
		cfg.EventRetention = retention
	}

	return cfg
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		WebhookSecret:      getEnv("RANKFORGE_WEBHOOK_SECRET", ""),
		SignatureTolerance: getEnvDuration("RANKFORGE_WEBHOOK_TOLERANCE", 5*time.Minute),
	}
}

func loadTiersConfig() TiersConfig {
	return TiersConfig{
		OverridesPath: getEnv("RANKFORGE_TIER_OVERRIDES_PATH", ""),
	}
}

func loadSweeperConfig() SweeperConfig {
	return SweeperConfig{
		PurgeSchedule: getEnv("RANKFORGE_PURGE_SCHEDULE", "0 3 * * *"),
		GraceSchedule: getEnv("RANKFORGE_GRACE_SCHEDULE", "0 * * * *"),
		GracePeriod:   getEnvDuration("RANKFORGE_GRACE_PERIOD", 14*24*time.Hour),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("RANKFORGE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("RANKFORGE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("RANKFORGE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("RANKFORGE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("RANKFORGE_OTEL_SERVICE_NAME", "rankforge-entitlements"),
		OTelServiceVersion: getEnv("RANKFORGE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("RANKFORGE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case "memory":
		// No further requirements; single-process only.
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for sqlite storage")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory, sqlite, or postgres)", c.Storage.Type)
	}

	if c.Billing.WebhookSecret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Billing.SignatureTolerance <= 0 {
		return fmt.Errorf("webhook signature tolerance must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvList splits a comma-separated environment variable, dropping empty
// entries
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
