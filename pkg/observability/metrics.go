package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Billing event metrics
	EventsProcessedTotal *prometheus.CounterVec
	EventProcessDuration *prometheus.HistogramVec
	DedupHitsTotal       prometheus.Counter
	StaleEventsTotal     *prometheus.CounterVec

	// Store metrics
	CASConflictsTotal  prometheus.Counter
	CASRetriesTotal    prometheus.Counter
	ReconcileFailTotal prometheus.Counter

	// Quota metrics
	QuotaChecksTotal  *prometheus.CounterVec
	QuotaDeniedTotal  *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Sweeper metrics
	EventsPurgedTotal    prometheus.Counter
	EventsArchivedTotal  prometheus.Counter
	GraceDowngradesTotal prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankforge_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_billing_events_total",
				Help: "Billing events processed by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		EventProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rankforge_billing_event_duration_seconds",
				Help:    "Reconciliation duration per event",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"kind"},
		),
		DedupHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_dedup_hits_total",
				Help: "Duplicate billing event deliveries discarded",
			},
		),
		StaleEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_stale_events_total",
				Help: "Out-of-order billing events discarded as stale",
			},
			[]string{"kind"},
		),
		CASConflictsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_cas_conflicts_total",
				Help: "Entitlement compare-and-swap conflicts",
			},
		),
		CASRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_cas_retries_total",
				Help: "Entitlement compare-and-swap retries after conflict",
			},
		),
		ReconcileFailTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_reconciliation_failures_total",
				Help: "Events that exhausted the retry budget",
			},
		),
		QuotaChecksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_quota_checks_total",
				Help: "Quota check-and-increment calls",
			},
			[]string{"quota"},
		),
		QuotaDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_quota_denied_total",
				Help: "Quota checks denied for exceeding the limit",
			},
			[]string{"quota"},
		),
		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_cache_hits_total",
				Help: "Entitlement cache hits by layer",
			},
			[]string{"layer"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rankforge_cache_misses_total",
				Help: "Entitlement cache misses by layer",
			},
			[]string{"layer"},
		),
		EventsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_events_purged_total",
				Help: "Processed events removed by the retention sweep",
			},
		),
		EventsArchivedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_events_archived_total",
				Help: "Processed events archived to object storage",
			},
		),
		GraceDowngradesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rankforge_grace_downgrades_total",
				Help: "Tenants downgraded by the past-due grace sweep",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EventsProcessedTotal,
		m.EventProcessDuration,
		m.DedupHitsTotal,
		m.StaleEventsTotal,
		m.CASConflictsTotal,
		m.CASRetriesTotal,
		m.ReconcileFailTotal,
		m.QuotaChecksTotal,
		m.QuotaDeniedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.EventsPurgedTotal,
		m.EventsArchivedTotal,
		m.GraceDowngradesTotal,
	)

	return m
}

// Handler returns an HTTP handler for the /metrics endpoint
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response status code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware records request count and duration for every request
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
