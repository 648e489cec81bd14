package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rankforge/rankforge/pkg/async"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/providers/stripe"
	"github.com/rankforge/rankforge/pkg/reconcile"
)

// webhookResponse acknowledges a delivery. Status is one of the engine
// outcomes, or "skipped"/"retry" for events the engine never saw.
type webhookResponse struct {
	Status  string `json:"status"`
	EventID string `json:"event_id,omitempty"`
}

// handleBillingWebhook ingests one provider delivery.
//
// Status codes follow the redelivery contract: 400 means the payload itself
// is bad (unverifiable signature, malformed body) and must not be retried;
// 202 means a verified event failed to apply and is left unmarked, so the
// provider's redelivery converges; 200 covers everything applied, duplicate,
// stale, or skipped.
func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "unreadable payload")
		return
	}

	ev, err := s.normalizer.Normalize(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, stripe.ErrInvalidSignature), errors.Is(err, stripe.ErrSignatureExpired):
			s.logger.WithError(err).Warn("rejected webhook with bad signature")
			httputil.WriteBadRequest(w, "invalid signature")
		default:
			s.logger.WithError(err).Warn("rejected malformed webhook payload")
			httputil.WriteBadRequest(w, "malformed payload")
		}
		return
	}

	// Event types outside the subscription lifecycle are acknowledged
	// without touching the engine.
	if ev == nil {
		httputil.WriteSuccess(w, webhookResponse{Status: "skipped"}) //nolint:errcheck
		return
	}

	log := s.logger.WithTenant(ev.TenantID).WithField("event_id", ev.EventID)

	// Redis fast path: a read-only check against ids recorded after a
	// durable apply answers redeliveries without a store round trip.
	// Check errors fall through to the durable dedup check.
	if s.redis != nil {
		seen, err := s.redis.SeenEvent(ctx, ev.EventID)
		if err == nil && seen {
			httputil.WriteSuccess(w, webhookResponse{ //nolint:errcheck
				Status:  string(reconcile.OutcomeDuplicate),
				EventID: ev.EventID,
			})
			return
		}
	}

	outcome, err := s.engine.Process(ctx, ev)
	if err != nil {
		if errors.Is(err, reconcile.ErrInvalidEvent) {
			log.WithError(err).Warn("rejected invalid billing event")
			httputil.WriteBadRequest(w, "invalid event")
			return
		}

		// Nothing to undo in Redis: the fast-path key is only written
		// after a durable apply, so the redelivered copy goes through
		// the engine again.
		log.WithError(err).Error("failed to apply billing event")
		httputil.WriteAccepted(w, webhookResponse{Status: "retry", EventID: ev.EventID}) //nolint:errcheck
		return
	}

	// Every engine outcome implies a durable dedup record, so the fast
	// path may now answer for this id. Detached from the request context:
	// it is canceled as soon as the response is written.
	if s.redis != nil {
		eventID := ev.EventID
		async.SafeGo(context.Background(), s.logger, 5*time.Second, "record webhook event",
			func(ctx context.Context) error {
				s.redis.RecordEvent(ctx, eventID)
				return nil
			})
	}

	log.WithField("outcome", string(outcome)).Info("billing event acknowledged")
	httputil.WriteSuccess(w, webhookResponse{Status: string(outcome), EventID: ev.EventID}) //nolint:errcheck
}
