package reconcile

import (
	"fmt"
	"time"
)

// Kind identifies a normalized billing event type. The set is closed: the
// webhook normalizer maps provider event types onto these six kinds and
// skips everything else.
type Kind string

const (
	KindSubscriptionCreated  Kind = "subscription_created"
	KindSubscriptionUpdated  Kind = "subscription_updated"
	KindSubscriptionCanceled Kind = "subscription_canceled"
	KindPaymentSucceeded     Kind = "payment_succeeded"
	KindPaymentFailed        Kind = "payment_failed"
	KindCheckoutCompleted    Kind = "checkout_completed"
)

// ValidKind reports whether k is one of the closed event kinds.
func ValidKind(k Kind) bool {
	switch k {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionCanceled,
		KindPaymentSucceeded, KindPaymentFailed, KindCheckoutCompleted:
		return true
	}
	return false
}

// subscriptionKind reports whether k mutates tier/status and is therefore
// subject to the staleness check. Payment kinds are additive history.
func subscriptionKind(k Kind) bool {
	switch k {
	case KindSubscriptionCreated, KindSubscriptionUpdated, KindSubscriptionCanceled, KindCheckoutCompleted:
		return true
	}
	return false
}

// Payload carries the normalized event fields. Pointer fields distinguish
// "absent" from zero values.
type Payload struct {
	// Plan is the plan identifier from the provider, mapped onto a tier
	// name by the normalizer. Required for created/checkout events.
	Plan string `json:"plan,omitempty"`

	// BillingRef is the provider's subscription/customer reference.
	BillingRef string `json:"billing_ref,omitempty"`

	PeriodEnd         *time.Time `json:"period_end,omitempty"`
	CancelAtPeriodEnd *bool      `json:"cancel_at_period_end,omitempty"`

	// Status is the provider-reported subscription status for update
	// events; only "active" and "past_due" are honored here, cancellation
	// always arrives as its own kind.
	Status string `json:"status,omitempty"`
}

// BillingEvent is the normalized internal representation of a payment
// provider webhook notification. The webhook receiver verifies authenticity
// before constructing one; the engine never sees unverified input.
type BillingEvent struct {
	EventID    string    `json:"event_id"`
	TenantID   string    `json:"tenant_id"`
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    Payload   `json:"payload"`
}

// Validate checks structural validity. Malformed events are rejected before
// any store access and are never retried.
func (e *BillingEvent) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("%w: missing event id", ErrInvalidEvent)
	}
	if e.TenantID == "" {
		return fmt.Errorf("%w: missing tenant id", ErrInvalidEvent)
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if e.OccurredAt.IsZero() {
		return fmt.Errorf("%w: missing occurred_at", ErrInvalidEvent)
	}
	switch e.Kind {
	case KindSubscriptionCreated, KindCheckoutCompleted:
		if e.Payload.Plan == "" {
			return fmt.Errorf("%w: %s requires a plan", ErrInvalidEvent, e.Kind)
		}
	}
	return nil
}

// ProcessedEvent is the append-only dedup record for one applied event.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	ProcessedAt time.Time `json:"processed_at"`

	// Effect is an idempotent summary of the mutation the event caused,
	// kept for audit and debugging.
	Effect string `json:"effect"`
}
