package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry metric instruments for the entitlement
// core. These mirror the key Prometheus counters for deployments that
// export over OTLP instead of scraping.
type OTelMetrics struct {
	eventsProcessed metric.Int64Counter
	casConflicts    metric.Int64Counter
	quotaChecks     metric.Int64Counter
	quotaDenied     metric.Int64Counter
	storeDuration   metric.Float64Histogram
}

// NewOTelMetrics creates a new OTel metrics instance
func NewOTelMetrics() (*OTelMetrics, error) {
	meter := otel.Meter("github.com/rankforge/rankforge")

	m := &OTelMetrics{}
	var err error

	m.eventsProcessed, err = meter.Int64Counter(
		"billing.events.processed",
		metric.WithDescription("Billing events processed by the reconciliation engine"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create events counter: %w", err)
	}

	m.casConflicts, err = meter.Int64Counter(
		"entitlement.cas.conflicts",
		metric.WithDescription("Entitlement compare-and-swap conflicts"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cas conflict counter: %w", err)
	}

	m.quotaChecks, err = meter.Int64Counter(
		"quota.checks",
		metric.WithDescription("Quota check-and-increment calls"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota check counter: %w", err)
	}

	m.quotaDenied, err = meter.Int64Counter(
		"quota.denied",
		metric.WithDescription("Quota checks denied for exceeding the limit"),
		metric.WithUnit("{check}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create quota denied counter: %w", err)
	}

	m.storeDuration, err = meter.Float64Histogram(
		"entitlement.store.duration",
		metric.WithDescription("Entitlement store operation duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store duration histogram: %w", err)
	}

	return m, nil
}

// RecordEvent records a processed billing event
func (m *OTelMetrics) RecordEvent(ctx context.Context, kind, outcome string) {
	m.eventsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event.kind", kind),
		attribute.String("event.outcome", outcome),
	))
}

// RecordCASConflict records a compare-and-swap conflict
func (m *OTelMetrics) RecordCASConflict(ctx context.Context) {
	m.casConflicts.Add(ctx, 1)
}

// RecordQuotaCheck records a quota check and its outcome
func (m *OTelMetrics) RecordQuotaCheck(ctx context.Context, quota string, allowed bool) {
	attrs := metric.WithAttributes(attribute.String("quota.name", quota))
	m.quotaChecks.Add(ctx, 1, attrs)
	if !allowed {
		m.quotaDenied.Add(ctx, 1, attrs)
	}
}

// RecordStoreDuration records the duration of a store operation
func (m *OTelMetrics) RecordStoreDuration(ctx context.Context, op string, seconds float64) {
	m.storeDuration.Record(ctx, seconds, metric.WithAttributes(
		attribute.String("store.operation", op),
	))
}
