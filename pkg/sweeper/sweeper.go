package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rankforge/rankforge/pkg/async"
	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconcile"
)

// Processor applies a billing event. Satisfied by reconcile.Engine.
type Processor interface {
	Process(ctx context.Context, ev *reconcile.BillingEvent) (reconcile.Outcome, error)
}

// ListingStore extends the entitlement store with full enumeration for the
// grace sweep.
type ListingStore interface {
	entitlement.Store
	List(ctx context.Context) ([]*entitlement.TenantEntitlement, error)
}

// ProcessedEventSource lists and purges durable dedup records.
type ProcessedEventSource interface {
	ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]reconcile.ProcessedEvent, error)
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Archiver exports processed records before the retention purge deletes
// them. Satisfied by archive.Exporter.
type Archiver interface {
	ArchiveBefore(ctx context.Context, cutoff time.Time) (int, int64, error)
}

// Sweeper runs the periodic maintenance jobs: the processed-event retention
// purge and the past-due grace sweep.
//
// The grace sweep does not mutate documents directly. Expired tenants are
// downgraded by feeding a synthetic cancellation through the reconciliation
// engine, so the sweep gets the same CAS, dedup, and audit behavior as a
// provider webhook.
type Sweeper struct {
	store     ListingStore
	dedup     ProcessedEventSource
	processor Processor
	archiver  Archiver
	logger    *observability.Logger
	metrics   *observability.Metrics

	gracePeriod time.Duration
	retention   time.Duration
	workers     int
	now         func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithArchiver enables S3 export before the retention purge.
func WithArchiver(a Archiver) Option {
	return func(s *Sweeper) {
		s.archiver = a
	}
}

// WithMetrics attaches sweep metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

// WithWorkers sets the grace-sweep concurrency.
func WithWorkers(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithClock overrides the clock. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

// New creates a Sweeper.
func New(store ListingStore, dedup ProcessedEventSource, processor Processor,
	gracePeriod, retention time.Duration, logger *observability.Logger, opts ...Option) *Sweeper {

	s := &Sweeper{
		store:       store,
		dedup:       dedup,
		processor:   processor,
		logger:      logger,
		gracePeriod: gracePeriod,
		retention:   retention,
		workers:     4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunRetentionPurge deletes processed-event records older than the retention
// window, exporting them to the archive first when one is configured.
//
// Retention must stay at or above the provider's maximum redelivery window;
// purging younger records would let a redelivered event apply twice.
func (s *Sweeper) RunRetentionPurge(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.retention)
	log := s.logger.WithField("cutoff", cutoff.Format(time.RFC3339))

	if s.archiver != nil {
		archived, purged, err := s.archiver.ArchiveBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("retention purge failed: %w", err)
		}
		log.WithFields(map[string]interface{}{
			"archived": archived,
			"purged":   purged,
		}).Info("retention purge completed")
		return nil
	}

	purged, err := s.dedup.PurgeProcessedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("retention purge failed: %w", err)
	}
	if s.metrics != nil {
		s.metrics.EventsPurgedTotal.Add(float64(purged))
	}
	log.WithField("purged", purged).Info("retention purge completed")
	return nil
}

// RunGraceSweep downgrades tenants that have been past_due longer than the
// grace period. Returns the number of tenants downgraded.
func (s *Sweeper) RunGraceSweep(ctx context.Context) (int, error) {
	docs, err := s.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("grace sweep failed to list tenants: %w", err)
	}

	deadline := s.now().UTC().Add(-s.gracePeriod)
	var expired []string
	for _, doc := range docs {
		if doc.Status != entitlement.StatusPastDue {
			continue
		}
		if pastDueSince(doc).Before(deadline) {
			expired = append(expired, doc.TenantID)
		}
	}

	if len(expired) == 0 {
		return 0, nil
	}

	// Failures are collected here rather than from the pool's error
	// channel, which has a bounded buffer and drops under load. The count
	// feeding metrics must be exact.
	var mu sync.Mutex
	var failed []error
	async.Batch(ctx, expired, s.workers, "grace sweep", 30*time.Second, s.logger,
		func(ctx context.Context, tenantID string) error {
			if err := s.downgradeTenant(ctx, tenantID); err != nil {
				err = fmt.Errorf("tenant %s: %w", tenantID, err)
				mu.Lock()
				failed = append(failed, err)
				mu.Unlock()
				return err
			}
			return nil
		})

	downgraded := len(expired) - len(failed)
	for _, err := range failed {
		s.logger.WithError(err).Warn("grace downgrade failed")
	}
	if s.metrics != nil {
		s.metrics.GraceDowngradesTotal.Add(float64(downgraded))
	}
	s.logger.WithFields(map[string]interface{}{
		"expired":    len(expired),
		"downgraded": downgraded,
	}).Info("grace sweep completed")

	if len(failed) > 0 {
		return downgraded, fmt.Errorf("grace sweep: %d of %d downgrades failed", len(failed), len(expired))
	}
	return downgraded, nil
}

// downgradeTenant pushes a synthetic cancellation through the engine. The
// event id is fresh each attempt so dedup never blocks a retried sweep.
func (s *Sweeper) downgradeTenant(ctx context.Context, tenantID string) error {
	ev := &reconcile.BillingEvent{
		EventID:    "sweep_" + uuid.NewString(),
		TenantID:   tenantID,
		Kind:       reconcile.KindSubscriptionCanceled,
		OccurredAt: s.now().UTC(),
	}

	outcome, err := s.processor.Process(ctx, ev)
	if err != nil {
		return err
	}

	s.logger.WithTenant(tenantID).
		WithField("outcome", string(outcome)).
		Info("downgraded past_due tenant after grace expiry")
	return nil
}

// pastDueSince reports when the tenant entered past_due. The failed payment
// timestamp is authoritative when present; UpdatedAt covers documents whose
// status flipped without a recorded payment time.
func pastDueSince(doc *entitlement.TenantEntitlement) time.Time {
	if doc.LastPaymentOutcome == entitlement.PaymentOutcomeFailed && doc.LastPaymentAt != nil {
		return *doc.LastPaymentAt
	}
	return doc.UpdatedAt
}
