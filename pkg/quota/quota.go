// Package quota enforces per-tenant usage limits against the entitlement
// document. The check and the increment are one atomic step: usage is bumped
// through the same compare-and-swap discipline the reconciliation engine
// uses, so two concurrent consumers near the limit can never both slip past
// it.
package quota

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

// ErrUnknownQuota is returned for quota names the tenant's document does not
// track. Callers pass constants from pkg/tiers; hitting this is a bug.
var ErrUnknownQuota = errors.New("unknown quota")

// ExceededError is returned when a consume attempt would cross the limit.
// The document is left untouched.
type ExceededError struct {
	TenantID string
	Quota    string
	Limit    int64
	Used     int64
	Want     int64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota %s exceeded for tenant %s: used %d of %d, wanted %d more",
		e.Quota, e.TenantID, e.Used, e.Limit, e.Want)
}

// IsExceeded reports whether err is a quota denial.
func IsExceeded(err error) bool {
	var ee *ExceededError
	return errors.As(err, &ee)
}

// Enforcer performs atomic quota consumption against an entitlement store.
type Enforcer struct {
	store   entitlement.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithMetrics attaches Prometheus metrics to the enforcer.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Enforcer) { e.metrics = m }
}

// WithRetry overrides the CAS retry budget.
func WithRetry(maxAttempts int, initialDelay, maxDelay time.Duration) Option {
	return func(e *Enforcer) {
		e.maxAttempts = maxAttempts
		e.initialDelay = initialDelay
		e.maxDelay = maxDelay
	}
}

// NewEnforcer creates a quota enforcer backed by the given store.
func NewEnforcer(store entitlement.Store, logger *observability.Logger, opts ...Option) *Enforcer {
	e := &Enforcer{
		store:        store,
		logger:       logger,
		maxAttempts:  5,
		initialDelay: 10 * time.Millisecond,
		maxDelay:     100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CheckAndIncrement consumes n units of the named quota for a tenant and
// returns the units remaining afterward (-1 for unlimited).
//
// Denial returns *ExceededError without touching the document. A lost CAS
// race re-reads and re-checks against fresh state, so the limit holds under
// concurrency. There is no decrement path: failed downstream work does not
// refund usage.
func (e *Enforcer) CheckAndIncrement(ctx context.Context, tenantID, quotaName string, n int64) (int64, error) {
	if n <= 0 {
		return 0, fmt.Errorf("quota: consume amount must be positive, got %d", n)
	}
	if e.metrics != nil {
		e.metrics.QuotaChecksTotal.WithLabelValues(quotaName).Inc()
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		doc, err := e.store.CreateDefault(ctx, tenantID)
		if err != nil {
			return 0, fmt.Errorf("failed to load entitlement: %w", err)
		}

		q, ok := doc.Quotas[quotaName]
		if !ok {
			return 0, fmt.Errorf("%w: %q for tenant %s", ErrUnknownQuota, quotaName, tenantID)
		}

		// Unlimited never needs a write.
		if q.Limit == tiers.Unlimited {
			return tiers.Unlimited, nil
		}

		if q.Used+n > q.Limit {
			if e.metrics != nil {
				e.metrics.QuotaDeniedTotal.WithLabelValues(quotaName).Inc()
			}
			return 0, &ExceededError{
				TenantID: tenantID,
				Quota:    quotaName,
				Limit:    q.Limit,
				Used:     q.Used,
				Want:     n,
			}
		}

		q.Used += n
		doc.Quotas[quotaName] = q

		err = e.store.CompareAndSwap(ctx, doc)
		if err == nil {
			return q.Limit - q.Used, nil
		}
		if !errors.Is(err, entitlement.ErrConflict) {
			return 0, fmt.Errorf("failed to persist quota usage: %w", err)
		}

		lastErr = err
		if e.metrics != nil {
			e.metrics.CASConflictsTotal.Inc()
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(e.backoffDelay(attempt)):
		}
	}

	return 0, fmt.Errorf("quota update for tenant %s lost %d consecutive races: %w",
		tenantID, e.maxAttempts, lastErr)
}

// Remaining reports the units left for a quota without consuming any.
func (e *Enforcer) Remaining(ctx context.Context, tenantID, quotaName string) (int64, error) {
	doc, err := e.store.CreateDefault(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if _, ok := doc.Quotas[quotaName]; !ok {
		return 0, fmt.Errorf("%w: %q for tenant %s", ErrUnknownQuota, quotaName, tenantID)
	}
	return entitlement.Remaining(doc, quotaName), nil
}

func (e *Enforcer) backoffDelay(attempt int) time.Duration {
	d := float64(e.initialDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(e.maxDelay) {
		d = float64(e.maxDelay)
	}
	half := int64(d / 2)
	return time.Duration(half + rand.Int63n(half+1))
}
