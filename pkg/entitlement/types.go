package entitlement

import (
	"time"

	"github.com/rankforge/rankforge/pkg/tiers"
)

// Status represents a tenant's billing status.
type Status string

const (
	StatusFree     Status = "free"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// PaymentOutcome records the result of the most recent payment attempt.
// Informational only; it never drives tier or status on its own.
type PaymentOutcome string

const (
	PaymentOutcomeSucceeded PaymentOutcome = "succeeded"
	PaymentOutcomeFailed    PaymentOutcome = "failed"
)

// QuotaState is one bounded, periodically-resetting usage counter.
// A limit of -1 means unlimited.
type QuotaState struct {
	Limit int64 `json:"limit"`
	Used  int64 `json:"used"`
}

// TenantEntitlement is the per-tenant entitlement document.
//
// Tier and quota limits are always mutually consistent: limits are derived
// from the tier via the catalog (see ApplyTierLimits), never written
// independently.
type TenantEntitlement struct {
	TenantID          string                `json:"tenant_id"`
	Tier              tiers.Tier            `json:"tier"`
	Status            Status                `json:"status"`
	BillingRef        string                `json:"billing_ref,omitempty"`
	PeriodEnd         *time.Time            `json:"period_end,omitempty"`
	CancelAtPeriodEnd bool                  `json:"cancel_at_period_end,omitempty"`
	Quotas            map[string]QuotaState `json:"quotas"`
	FeatureOverrides  []tiers.Feature       `json:"feature_overrides,omitempty"`

	// LastEventSeq is the occurredAt of the last applied billing event,
	// used to reject stale out-of-order deliveries.
	LastEventSeq time.Time `json:"last_event_seq,omitempty"`

	LastPaymentOutcome PaymentOutcome `json:"last_payment_outcome,omitempty"`
	LastPaymentAt      *time.Time     `json:"last_payment_at,omitempty"`

	// Version is the optimistic concurrency token checked by
	// Store.CompareAndSwap. Managed by the store, never by callers.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDefault returns a free-tier entitlement document for a tenant.
func NewDefault(tenantID string, catalog *tiers.Catalog) *TenantEntitlement {
	e := &TenantEntitlement{
		TenantID: tenantID,
		Tier:     tiers.TierFree,
		Status:   StatusFree,
	}
	ApplyTierLimits(e, catalog, true)
	return e
}

// Clone returns a deep copy. Engines mutate a clone and persist it via
// CompareAndSwap so the caller's read stays untouched on conflict.
func (e *TenantEntitlement) Clone() *TenantEntitlement {
	out := *e
	if e.PeriodEnd != nil {
		pe := *e.PeriodEnd
		out.PeriodEnd = &pe
	}
	if e.LastPaymentAt != nil {
		lp := *e.LastPaymentAt
		out.LastPaymentAt = &lp
	}
	out.Quotas = make(map[string]QuotaState, len(e.Quotas))
	for name, q := range e.Quotas {
		out.Quotas[name] = q
	}
	if e.FeatureOverrides != nil {
		out.FeatureOverrides = make([]tiers.Feature, len(e.FeatureOverrides))
		copy(out.FeatureOverrides, e.FeatureOverrides)
	}
	return &out
}

// ApplyTierLimits re-derives all quota limits from the document's tier.
// When resetUsed is false, used counters carry over (plan changes mid-period);
// counters for quotas the new tier introduces start at zero either way.
func ApplyTierLimits(e *TenantEntitlement, catalog *tiers.Catalog, resetUsed bool) {
	limits := catalog.LimitsFor(e.Tier)
	quotas := make(map[string]QuotaState, len(limits))
	for name, limit := range limits {
		used := int64(0)
		if !resetUsed {
			if prev, ok := e.Quotas[name]; ok {
				used = prev.Used
			}
		}
		quotas[name] = QuotaState{Limit: limit, Used: used}
	}
	e.Quotas = quotas
}

// ResetUsage zeroes all used counters, keeping limits. Called on period
// rollover.
func (e *TenantEntitlement) ResetUsage() {
	for name, q := range e.Quotas {
		q.Used = 0
		e.Quotas[name] = q
	}
}
