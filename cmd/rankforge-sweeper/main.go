package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"github.com/rankforge/rankforge/pkg/archive"
	"github.com/rankforge/rankforge/pkg/config"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconcile"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/sweeper"
	"github.com/rankforge/rankforge/pkg/tiers"
)

var runOnce = flag.Bool("run-once", false, "Run both sweeps once and exit (for testing and backfills)")

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rankforge-sweeper: %v\n", err)
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
	catalog := tiers.NewCatalog()
	if cfg.Tiers.OverridesPath != "" {
		if err := tiers.LoadOverrides(catalog, cfg.Tiers.OverridesPath); err != nil {
			return fmt.Errorf("failed to load tier overrides: %w", err)
		}
	}

	store, dedup, closeStore, err := openStorage(cfg.Storage, catalog, logger)
	if err != nil {
		return err
	}
	defer closeStore() //nolint:errcheck

	engine := reconcile.NewEngine(store, dedup, catalog, logger)

	opts := []sweeper.Option{}
	if cfg.Storage.S3Bucket != "" {
		s3, err := archive.NewS3Client(ctx, cfg.Storage)
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		opts = append(opts, sweeper.WithArchiver(archive.NewExporter(dedup, s3, logger)))
		logger.WithField("bucket", cfg.Storage.S3Bucket).Info("archiving processed events before purge")
	}

	sw := sweeper.New(store, dedup, engine, cfg.Sweeper.GracePeriod, cfg.Storage.EventRetention, logger, opts...)

	if *runOnce {
		if err := sw.RunRetentionPurge(ctx); err != nil {
			return err
		}
		_, err := sw.RunGraceSweep(ctx)
		return err
	}

	c := cron.New()

	if _, err := c.AddFunc(cfg.Sweeper.PurgeSchedule, func() {
		if err := sw.RunRetentionPurge(context.Background()); err != nil {
			logger.WithError(err).Error("retention purge failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule retention purge: %w", err)
	}

	if _, err := c.AddFunc(cfg.Sweeper.GraceSchedule, func() {
		if _, err := sw.RunGraceSweep(context.Background()); err != nil {
			logger.WithError(err).Error("grace sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule grace sweep: %w", err)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"purge_schedule": cfg.Sweeper.PurgeSchedule,
		"grace_schedule": cfg.Sweeper.GraceSchedule,
		"grace_period":   cfg.Sweeper.GracePeriod.String(),
	}).Info("sweeper started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	// Let an in-flight sweep finish.
	<-c.Stop().Done()
	logger.Info("sweeper stopped")
	return nil
}

// dedupStore is the dedup surface the sweeper binary needs: the engine's
// check/mark plus list/purge for retention.
type dedupStore interface {
	reconcile.Deduplicator
	sweeper.ProcessedEventSource
}

func openStorage(cfg storage.Config, catalog *tiers.Catalog, logger *observability.Logger) (sweeper.ListingStore, dedupStore, func() error, error) {
	switch cfg.Type {
	case "postgres":
		store, err := storage.NewPostgresStore(cfg, catalog, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, store.Close, nil
	case "sqlite":
		store, err := storage.NewSQLiteStore(cfg.SQLitePath, catalog, logger)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, store.Close, nil
	case "memory":
		logger.Warn("using in-memory storage, sweeps see an empty state")
		return storage.NewMemoryStore(catalog), storage.NewMemoryDedup(), func() error { return nil }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
