package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rankforge/rankforge/pkg/api"
	"github.com/rankforge/rankforge/pkg/cache"
	"github.com/rankforge/rankforge/pkg/config"
	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/providers/stripe"
	"github.com/rankforge/rankforge/pkg/quota"
	"github.com/rankforge/rankforge/pkg/reconcile"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/tiers"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rankforge: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.WithField("storage", cfg.Storage.Type).Info("starting rankforge entitlement service")

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	// Metrics stay nil when disabled; every consumer treats them as
	// optional and the health server skips the /metrics route.
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Tier catalog, optionally tuned by a hot-reloaded override file.
	catalog := tiers.NewCatalog()
	var overridesWatcher *tiers.Watcher
	if cfg.Tiers.OverridesPath != "" {
		overridesWatcher, err = tiers.NewWatcher(catalog, cfg.Tiers.OverridesPath, func(err error) {
			logger.WithError(err).Error("tier override reload failed")
		})
		if err != nil {
			return fmt.Errorf("failed to load tier overrides: %w", err)
		}
		logger.WithField("path", cfg.Tiers.OverridesPath).Info("tier overrides loaded")
	}

	store, dedup, db, closeStore, err := openStorage(cfg.Storage, catalog, logger)
	if err != nil {
		return err
	}

	// Optional Redis: L2 entitlement cache and webhook dedup fast path.
	var redisClient *storage.RedisClient
	if cfg.Storage.RedisURL != "" {
		redisClient, err = storage.NewRedisClient(cfg.Storage, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	// Read path goes through the cache; the engine writes through it so a
	// CAS invalidates both layers.
	readStore := store
	if cfg.Storage.CacheEnabled {
		var cacheOpts []cache.Option
		if metrics != nil {
			cacheOpts = append(cacheOpts, cache.WithMetrics(metrics))
		}
		if redisClient != nil {
			cacheOpts = append(cacheOpts, cache.WithRedis(redisClient))
		}
		readStore = cache.New(store, cfg.Storage, cacheOpts...)
	}

	var engineOpts []reconcile.Option
	var quotaOpts []quota.Option
	if metrics != nil {
		engineOpts = append(engineOpts, reconcile.WithMetrics(metrics))
		quotaOpts = append(quotaOpts, quota.WithMetrics(metrics))
	}
	engine := reconcile.NewEngine(readStore, dedup, catalog, logger, engineOpts...)
	enforcer := quota.NewEnforcer(readStore, logger, quotaOpts...)

	stripeLog := logrus.New()
	stripeLog.SetFormatter(&logrus.JSONFormatter{})
	normalizer := stripe.NewNormalizer(cfg.Billing.WebhookSecret, stripeLog,
		stripe.WithTolerance(cfg.Billing.SignatureTolerance))

	var apiOpts []api.Option
	if metrics != nil {
		apiOpts = append(apiOpts, api.WithMetrics(metrics))
	}
	if redisClient != nil {
		apiOpts = append(apiOpts, api.WithRedis(redisClient))
	}
	if len(cfg.Server.CORSOrigins) > 0 {
		apiOpts = append(apiOpts, api.WithCORS(cfg.Server.CORSOrigins))
	}
	server := api.NewServer(readStore, catalog, engine, enforcer, normalizer, logger, apiOpts...)

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	if !cfg.Observability.MetricsEnabled {
		registry = nil
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthHandler(db, redisClient, registry),
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return closeStore()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}
	if overridesWatcher != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return overridesWatcher.Close()
		})
	}

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("API server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown()
	})

	return g.Wait()
}

// openStorage returns the entitlement store, the deduplicator, the raw DB
// handle for health checks (nil for memory), and a close function.
func openStorage(cfg storage.Config, catalog *tiers.Catalog, logger *observability.Logger) (entitlement.Store, reconcile.Deduplicator, *sql.DB, func() error, error) {
	switch cfg.Type {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg, catalog, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store, store, store.DB(), store.Close, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.SQLitePath, catalog, logger)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return store, store, store.DB(), store.Close, nil
	case "memory":
		logger.Warn("using in-memory storage, state is lost on restart")
		return storage.NewMemoryStore(catalog), storage.NewMemoryDedup(), nil, func() error { return nil }, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

func healthHandler(db *sql.DB, redisClient *storage.RedisClient, registry *prometheus.Registry) http.Handler {
	var rc *redis.Client
	if redisClient != nil {
		rc = redisClient.Client()
	}
	checker := observability.NewHealthChecker(db, rc)

	r := mux.NewRouter()
	r.HandleFunc("/healthz", checker.Liveness).Methods("GET")
	r.HandleFunc("/readyz", checker.Readiness).Methods("GET")
	if registry != nil {
		r.Handle("/metrics", observability.Handler(registry)).Methods("GET")
	}
	return r
}
