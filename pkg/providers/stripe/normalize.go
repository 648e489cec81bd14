// Package stripe verifies and normalizes Stripe-style billing webhooks into
// the closed event set the reconciliation engine understands. The provider's
// vocabulary stops at this boundary; nothing downstream sees a Stripe type
// name.
package stripe

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rankforge/rankforge/pkg/reconcile"
)

// Normalizer turns raw provider payloads into BillingEvents.
type Normalizer struct {
	secret    string
	tolerance time.Duration
	logger    *logrus.Logger

	// now is swapped in tests to pin the tolerance window.
	now func() time.Time
}

// NormalizerOption configures a Normalizer.
type NormalizerOption func(*Normalizer)

// WithTolerance overrides the replay window for signed timestamps.
func WithTolerance(d time.Duration) NormalizerOption {
	return func(n *Normalizer) {
		if d > 0 {
			n.tolerance = d
		}
	}
}

// NewNormalizer creates a normalizer with the shared webhook secret.
func NewNormalizer(secret string, logger *logrus.Logger, opts ...NormalizerOption) *Normalizer {
	n := &Normalizer{
		secret:    secret,
		tolerance: DefaultTolerance,
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// envelope is the outer provider event shape.
type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type subscriptionObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			Price struct {
				Nickname string            `json:"nickname"`
				Metadata map[string]string `json:"metadata"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type checkoutSessionObject struct {
	ID                string            `json:"id"`
	ClientReferenceID string            `json:"client_reference_id"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

type invoiceObject struct {
	ID                  string            `json:"id"`
	Subscription        string            `json:"subscription"`
	Metadata            map[string]string `json:"metadata"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
}

// Normalize verifies the signature header and converts the payload into a
// BillingEvent. Event types outside the subscription lifecycle return
// (nil, nil): acknowledged and skipped, never an error.
func (n *Normalizer) Normalize(payload []byte, signatureHeader string) (*reconcile.BillingEvent, error) {
	if err := VerifySignature(payload, signatureHeader, n.secret, n.tolerance, n.now()); err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed payload: %v", reconcile.ErrInvalidEvent, err)
	}
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", reconcile.ErrInvalidEvent)
	}

	occurredAt := time.Unix(env.Created, 0).UTC()

	switch env.Type {
	case "checkout.session.completed":
		return n.normalizeCheckout(env, occurredAt)
	case "customer.subscription.created":
		return n.normalizeSubscription(env, reconcile.KindSubscriptionCreated, occurredAt)
	case "customer.subscription.updated":
		return n.normalizeSubscription(env, reconcile.KindSubscriptionUpdated, occurredAt)
	case "customer.subscription.deleted":
		return n.normalizeSubscription(env, reconcile.KindSubscriptionCanceled, occurredAt)
	case "invoice.paid", "invoice.payment_succeeded":
		return n.normalizeInvoice(env, reconcile.KindPaymentSucceeded, occurredAt)
	case "invoice.payment_failed":
		return n.normalizeInvoice(env, reconcile.KindPaymentFailed, occurredAt)
	default:
		n.logger.WithFields(logrus.Fields{
			"event_id":   env.ID,
			"event_type": env.Type,
		}).Debug("Ignoring unhandled provider event type")
		return nil, nil
	}
}

func (n *Normalizer) normalizeCheckout(env envelope, occurredAt time.Time) (*reconcile.BillingEvent, error) {
	var obj checkoutSessionObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: malformed checkout session: %v", reconcile.ErrInvalidEvent, err)
	}

	tenantID := obj.Metadata["tenant_id"]
	if tenantID == "" {
		tenantID = obj.ClientReferenceID
	}
	if tenantID == "" {
		return nil, fmt.Errorf("%w: checkout session %s carries no tenant id", reconcile.ErrInvalidEvent, obj.ID)
	}

	return &reconcile.BillingEvent{
		EventID:    env.ID,
		TenantID:   tenantID,
		Kind:       reconcile.KindCheckoutCompleted,
		OccurredAt: occurredAt,
		Payload: reconcile.Payload{
			Plan:       obj.Metadata["plan"],
			BillingRef: obj.Subscription,
		},
	}, nil
}

func (n *Normalizer) normalizeSubscription(env envelope, kind reconcile.Kind, occurredAt time.Time) (*reconcile.BillingEvent, error) {
	var obj subscriptionObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: malformed subscription: %v", reconcile.ErrInvalidEvent, err)
	}

	tenantID := obj.Metadata["tenant_id"]
	if tenantID == "" {
		return nil, fmt.Errorf("%w: subscription %s carries no tenant id", reconcile.ErrInvalidEvent, obj.ID)
	}

	ev := &reconcile.BillingEvent{
		EventID:    env.ID,
		TenantID:   tenantID,
		Kind:       kind,
		OccurredAt: occurredAt,
		Payload: reconcile.Payload{
			Plan:       resolvePlan(&obj),
			BillingRef: obj.ID,
			Status:     obj.Status,
		},
	}

	if obj.CurrentPeriodEnd > 0 {
		pe := time.Unix(obj.CurrentPeriodEnd, 0).UTC()
		ev.Payload.PeriodEnd = &pe
	}
	cape := obj.CancelAtPeriodEnd
	ev.Payload.CancelAtPeriodEnd = &cape

	return ev, nil
}

func (n *Normalizer) normalizeInvoice(env envelope, kind reconcile.Kind, occurredAt time.Time) (*reconcile.BillingEvent, error) {
	var obj invoiceObject
	if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
		return nil, fmt.Errorf("%w: malformed invoice: %v", reconcile.ErrInvalidEvent, err)
	}

	tenantID := obj.Metadata["tenant_id"]
	if tenantID == "" {
		tenantID = obj.SubscriptionDetails.Metadata["tenant_id"]
	}
	if tenantID == "" {
		return nil, fmt.Errorf("%w: invoice %s carries no tenant id", reconcile.ErrInvalidEvent, obj.ID)
	}

	return &reconcile.BillingEvent{
		EventID:    env.ID,
		TenantID:   tenantID,
		Kind:       kind,
		OccurredAt: occurredAt,
		Payload: reconcile.Payload{
			BillingRef: obj.Subscription,
		},
	}, nil
}

// resolvePlan prefers explicit subscription metadata over the price nickname.
func resolvePlan(obj *subscriptionObject) string {
	if plan := obj.Metadata["plan"]; plan != "" {
		return plan
	}
	for _, item := range obj.Items.Data {
		if plan := item.Price.Metadata["plan"]; plan != "" {
			return plan
		}
		if item.Price.Nickname != "" {
			return item.Price.Nickname
		}
	}
	return ""
}
