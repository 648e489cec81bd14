package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/tiers"
)

// Outcome classifies what processing an event did.
type Outcome string

const (
	// OutcomeApplied means the event mutated the entitlement document.
	OutcomeApplied Outcome = "applied"
	// OutcomeDuplicate means the event id was already processed.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeStale means the event was older than the applied state and
	// was discarded.
	OutcomeStale Outcome = "stale"
	// OutcomeNoop means the event was fresh but changed nothing.
	OutcomeNoop Outcome = "noop"
)

// RetryConfig bounds the compare-and-swap retry loop. The whole budget is
// designed to stay well under a second so webhook handlers can acknowledge
// quickly.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 25 * time.Millisecond,
		MaxDelay:     250 * time.Millisecond,
	}
}

// backoffDelay returns the jittered delay before retry attempt n (1-based).
func (c RetryConfig) backoffDelay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}

// Engine is the reconciliation state machine. Stateless apart from its
// injected collaborators; one Process call per inbound webhook delivery.
type Engine struct {
	store   entitlement.Store
	dedup   Deduplicator
	catalog *tiers.Catalog
	logger  *observability.Logger
	metrics *observability.Metrics
	retry   RetryConfig
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches Prometheus metrics to the engine.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryConfig overrides the CAS retry budget.
func WithRetryConfig(cfg RetryConfig) Option {
	return func(e *Engine) { e.retry = cfg }
}

// NewEngine creates a reconciliation engine. All collaborators are injected;
// the engine holds no process-wide state.
func NewEngine(store entitlement.Store, dedup Deduplicator, catalog *tiers.Catalog, logger *observability.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		dedup:   dedup,
		catalog: catalog,
		logger:  logger,
		retry:   DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process applies one normalized billing event to the tenant's entitlement.
//
// Safe to call any number of times with the same event: duplicates are
// no-ops, and a crash between persist and mark-processed just means the
// redelivery recomputes the same state.
func (g *Engine) Process(ctx context.Context, ev *BillingEvent) (Outcome, error) {
	start := time.Now()

	if err := ev.Validate(); err != nil {
		return "", err
	}

	// Resolve the plan up front so an unknown plan is rejected as invalid
	// input rather than surfacing mid-mutation.
	var plan tiers.Tier
	if ev.Payload.Plan != "" {
		var err error
		plan, err = tiers.ParseTier(ev.Payload.Plan)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}

	logger := g.logger.WithTenant(ev.TenantID).WithFields(map[string]interface{}{
		"event_id": ev.EventID,
		"kind":     string(ev.Kind),
	})

	done, err := g.dedup.HasProcessed(ctx, ev.EventID)
	if err != nil {
		return "", fmt.Errorf("dedup check failed: %w", err)
	}
	if done {
		if g.metrics != nil {
			g.metrics.DedupHitsTotal.Inc()
			g.metrics.EventsProcessedTotal.WithLabelValues(string(ev.Kind), string(OutcomeDuplicate)).Inc()
		}
		logger.Debug("duplicate event delivery discarded")
		return OutcomeDuplicate, nil
	}

	outcome, effect, err := g.applyWithRetry(ctx, ev, plan, logger)
	if err != nil {
		if g.metrics != nil && IsReconciliationFailed(err) {
			g.metrics.ReconcileFailTotal.Inc()
		}
		return "", err
	}

	// Recording the id is the last step: if it fails, the redelivery
	// recomputes the same deterministic mutation, which converges.
	if err := g.dedup.MarkProcessed(ctx, ev.EventID, effect); err != nil {
		logger.WithError(err).Warn("failed to record processed event; redelivery will be a safe no-op")
	}

	if g.metrics != nil {
		g.metrics.EventsProcessedTotal.WithLabelValues(string(ev.Kind), string(outcome)).Inc()
		g.metrics.EventProcessDuration.WithLabelValues(string(ev.Kind)).Observe(time.Since(start).Seconds())
		if outcome == OutcomeStale {
			g.metrics.StaleEventsTotal.WithLabelValues(string(ev.Kind)).Inc()
		}
	}

	switch outcome {
	case OutcomeStale:
		logger.WithField("effect", effect).Info("stale event discarded")
	case OutcomeApplied:
		logger.WithField("effect", effect).Info("billing event applied")
	default:
		logger.WithField("effect", effect).Debug("billing event was a no-op")
	}

	return outcome, nil
}

// applyWithRetry runs the read-compute-CAS loop. Conflicts re-read and
// recompute from fresh state; stale writes are never retried blindly.
func (g *Engine) applyWithRetry(ctx context.Context, ev *BillingEvent, plan tiers.Tier, logger *observability.Logger) (Outcome, string, error) {
	var lastErr error

	for attempt := 1; attempt <= g.retry.MaxAttempts; attempt++ {
		if attempt > 1 && g.metrics != nil {
			g.metrics.CASRetriesTotal.Inc()
		}

		current, err := g.store.CreateDefault(ctx, ev.TenantID)
		if err != nil {
			return "", "", fmt.Errorf("failed to load entitlement: %w", err)
		}

		next, effect, changed := g.computeNext(current, ev, plan)
		if !changed {
			outcome := OutcomeNoop
			if next == nil {
				outcome = OutcomeStale
			}
			return outcome, effect, nil
		}

		err = g.store.CompareAndSwap(ctx, next)
		if err == nil {
			return OutcomeApplied, effect, nil
		}
		if !errors.Is(err, entitlement.ErrConflict) {
			return "", "", fmt.Errorf("failed to persist entitlement: %w", err)
		}

		lastErr = err
		if g.metrics != nil {
			g.metrics.CASConflictsTotal.Inc()
		}
		logger.Debugf("compare-and-swap conflict on attempt %d, re-reading", attempt)

		select {
		case <-ctx.Done():
			return "", "", ctx.Err()
		case <-time.After(g.retry.backoffDelay(attempt)):
		}
	}

	return "", "", &ReconciliationError{
		EventID:  ev.EventID,
		TenantID: ev.TenantID,
		Attempts: g.retry.MaxAttempts,
		Err:      lastErr,
	}
}

// computeNext derives the post-event document purely from event content and
// current state. Returns (nil, effect, false) for stale events and
// (doc, effect, false) when the event changes nothing material.
func (g *Engine) computeNext(current *entitlement.TenantEntitlement, ev *BillingEvent, plan tiers.Tier) (*entitlement.TenantEntitlement, string, bool) {
	// Subscription events older than the applied state must not resurrect
	// superseded tiers or statuses.
	if subscriptionKind(ev.Kind) && !current.LastEventSeq.IsZero() && ev.OccurredAt.Before(current.LastEventSeq) {
		return nil, fmt.Sprintf("stale: occurred_at %s predates applied state %s",
			ev.OccurredAt.Format(time.RFC3339), current.LastEventSeq.Format(time.RFC3339)), false
	}

	next := current.Clone()
	oldPeriodEnd := current.PeriodEnd
	var effect string
	changed := true

	switch ev.Kind {
	case KindCheckoutCompleted, KindSubscriptionCreated:
		next.Tier = plan
		next.Status = entitlement.StatusActive
		next.BillingRef = ev.Payload.BillingRef
		next.PeriodEnd = ev.Payload.PeriodEnd
		next.CancelAtPeriodEnd = false
		if ev.Payload.CancelAtPeriodEnd != nil {
			next.CancelAtPeriodEnd = *ev.Payload.CancelAtPeriodEnd
		}
		entitlement.ApplyTierLimits(next, g.catalog, true)
		effect = fmt.Sprintf("tier=%s status=active", plan)

	case KindSubscriptionUpdated:
		// The status machine has no edge from canceled or free through
		// an update; a canceled tenant comes back only via checkout.
		if current.Status == entitlement.StatusCanceled || current.Status == entitlement.StatusFree {
			return next, fmt.Sprintf("noop: update ignored for %s subscription", current.Status), false
		}
		if plan != "" && plan != current.Tier {
			next.Tier = plan
			entitlement.ApplyTierLimits(next, g.catalog, false)
		}
		switch entitlement.Status(ev.Payload.Status) {
		case entitlement.StatusActive:
			next.Status = entitlement.StatusActive
		case entitlement.StatusPastDue:
			next.Status = entitlement.StatusPastDue
		}
		if ev.Payload.PeriodEnd != nil {
			next.PeriodEnd = ev.Payload.PeriodEnd
		}
		if ev.Payload.CancelAtPeriodEnd != nil {
			next.CancelAtPeriodEnd = *ev.Payload.CancelAtPeriodEnd
		}
		effect = fmt.Sprintf("tier=%s status=%s", next.Tier, next.Status)

	case KindSubscriptionCanceled:
		if current.Status == entitlement.StatusCanceled && current.Tier == tiers.TierFree {
			return next, "noop: already canceled", false
		}
		next.Status = entitlement.StatusCanceled
		next.Tier = tiers.TierFree
		next.BillingRef = ""
		next.PeriodEnd = nil
		next.CancelAtPeriodEnd = false
		entitlement.ApplyTierLimits(next, g.catalog, true)
		effect = "tier=free status=canceled"

	case KindPaymentFailed:
		return g.applyPaymentOutcome(current, next, ev, entitlement.PaymentOutcomeFailed)

	case KindPaymentSucceeded:
		return g.applyPaymentOutcome(current, next, ev, entitlement.PaymentOutcomeSucceeded)
	}

	// Period rollover: a new future period end resets all used counters,
	// exactly once per transition.
	if next.PeriodEnd != nil && next.PeriodEnd.After(ev.OccurredAt) &&
		(oldPeriodEnd == nil || !next.PeriodEnd.Equal(*oldPeriodEnd)) {
		next.ResetUsage()
		effect += " period_rolled"
	}

	if ev.OccurredAt.After(next.LastEventSeq) {
		next.LastEventSeq = ev.OccurredAt
	}

	return next, effect, changed
}

// applyPaymentOutcome handles payment events. They are additive history:
// late arrivals only touch informational fields and never regress status or
// tier below what the subscription events dictate.
func (g *Engine) applyPaymentOutcome(current, next *entitlement.TenantEntitlement, ev *BillingEvent, outcome entitlement.PaymentOutcome) (*entitlement.TenantEntitlement, string, bool) {
	if current.LastPaymentAt != nil && !ev.OccurredAt.After(*current.LastPaymentAt) {
		return next, "noop: older than recorded payment outcome", false
	}

	occurred := ev.OccurredAt
	next.LastPaymentOutcome = outcome
	next.LastPaymentAt = &occurred

	fresh := current.LastEventSeq.IsZero() || !ev.OccurredAt.Before(current.LastEventSeq)
	effect := fmt.Sprintf("payment=%s", outcome)

	if fresh {
		switch {
		case outcome == entitlement.PaymentOutcomeFailed && current.Status == entitlement.StatusActive:
			// Grace period: tier stays, access continues until the
			// past-due sweep or a cancellation event decides otherwise.
			next.Status = entitlement.StatusPastDue
			effect += " status=past_due"
		case outcome == entitlement.PaymentOutcomeSucceeded && current.Status == entitlement.StatusPastDue:
			next.Status = entitlement.StatusActive
			effect += " status=active"
		}
		if ev.OccurredAt.After(next.LastEventSeq) {
			next.LastEventSeq = ev.OccurredAt
		}
	}

	return next, effect, true
}
