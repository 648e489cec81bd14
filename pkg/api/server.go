package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/middleware"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/providers/stripe"
	"github.com/rankforge/rankforge/pkg/quota"
	"github.com/rankforge/rankforge/pkg/reconcile"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/tiers"
)

// maxWebhookBody bounds inbound webhook payloads. Provider events are a few
// KB; anything near the cap is garbage.
const maxWebhookBody = 1 << 20

// Server is the entitlement service HTTP API.
type Server struct {
	router *mux.Router

	store      entitlement.Store
	catalog    *tiers.Catalog
	engine     *reconcile.Engine
	enforcer   *quota.Enforcer
	normalizer *stripe.Normalizer
	redis      *storage.RedisClient

	logger      *observability.Logger
	metrics     *observability.Metrics
	corsOrigins []string
}

// Option configures optional server collaborators.
type Option func(*Server)

// WithRedis enables the Redis dedup fast path on the webhook receiver.
func WithRedis(client *storage.RedisClient) Option {
	return func(s *Server) {
		s.redis = client
	}
}

// WithMetrics attaches HTTP metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCORS allows browser dashboards on the given origins to call the read
// endpoints. Empty leaves CORS off; webhook deliveries never need it.
func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// NewServer creates the API server and wires its routes.
func NewServer(store entitlement.Store, catalog *tiers.Catalog, engine *reconcile.Engine,
	enforcer *quota.Enforcer, normalizer *stripe.Normalizer, logger *observability.Logger,
	opts ...Option) *Server {

	s := &Server{
		router:     mux.NewRouter(),
		store:      store,
		catalog:    catalog,
		engine:     engine,
		enforcer:   enforcer,
		normalizer: normalizer,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all the API routes.
func (s *Server) setupRoutes() {
	// Webhook ingestion
	webhook := httputil.MaxBytesMiddleware(maxWebhookBody)(http.HandlerFunc(s.handleBillingWebhook))
	s.router.Handle("/api/v1/webhooks/billing", webhook).Methods("POST")

	// Entitlement reads
	s.router.HandleFunc("/api/v1/tenants/{tenant}/entitlement", s.getEntitlement).Methods("GET")
	s.router.HandleFunc("/api/v1/tenants/{tenant}/usage", s.getUsage).Methods("GET")
	s.router.HandleFunc("/api/v1/tenants/{tenant}/features/{feature}", s.checkFeature).Methods("GET")

	// Quota consumption for internal services that cannot sit behind the
	// gate middleware.
	s.router.HandleFunc("/api/v1/tenants/{tenant}/quotas/{quota}/consume", s.consumeQuota).Methods("POST")

	// Example of the gate middleware protecting a product surface: site
	// audits require the feature and burn quota per request.
	gates := middleware.NewEntitlementMiddleware(s.store, s.catalog, s.enforcer, s.logger)
	audits := httputil.Chain(
		gates.TenantContext,
		gates.RequireFeature(tiers.FeatureSiteAudit),
		gates.EnforceQuota(tiers.QuotaSiteAudits, 1),
	)(http.HandlerFunc(s.startSiteAudit))
	s.router.Handle("/api/v1/tenants/{tenant}/audits", audits).Methods("POST")
}

// Handler returns the server's handler with the ambient middleware applied.
func (s *Server) Handler() http.Handler {
	chain := []func(http.Handler) http.Handler{
		httputil.RecoveryMiddleware,
		httputil.RequestIDMiddleware,
	}
	if len(s.corsOrigins) > 0 {
		chain = append(chain, httputil.CORSMiddleware(s.corsOrigins))
	}
	if s.metrics != nil {
		chain = append(chain, s.metrics.HTTPMiddleware)
	}

	var h http.Handler = s.router
	h = httputil.Chain(chain...)(h)
	return otelhttp.NewHandler(h, "rankforge-api")
}

// Router exposes the underlying router. Used in tests.
func (s *Server) Router() *mux.Router {
	return s.router
}
