// Package middleware provides HTTP middleware gating requests on tenant
// entitlements.
//
// # Middleware Ordering Requirements
//
// Entitlement middleware has strict ordering dependencies. Incorrect order
// causes gates to silently pass (no tenant in context means 401, but a
// misplaced TenantContext means the WRONG tenant is checked).
//
// REQUIRED ORDERING (outer to inner):
//  1. TenantContext - resolves the tenant id into the request context
//  2. RequireFeature / RequireTier - entitlement gates
//  3. EnforceQuota - consumes quota (must be last: it has side effects)
//
// Example (correct):
//
//	r.Use(em.TenantContext)
//	r.Handle("/api/v1/analyses",
//	    em.RequireFeature(tiers.FeatureSERPTracking)(
//	        em.EnforceQuota(tiers.QuotaMonthlyAnalyses, 1)(handler)))
//
// EnforceQuota runs innermost so a request rejected by a feature gate never
// burns quota.
package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/quota"
	"github.com/rankforge/rankforge/pkg/tiers"
)

// QuotaEnforcer consumes quota atomically. Satisfied by *quota.Enforcer.
type QuotaEnforcer interface {
	CheckAndIncrement(ctx context.Context, tenantID, quotaName string, n int64) (int64, error)
}

// EntitlementMiddleware gates requests on the tenant's entitlement document.
type EntitlementMiddleware struct {
	store    entitlement.Store
	catalog  *tiers.Catalog
	enforcer QuotaEnforcer
	logger   *observability.Logger
}

// NewEntitlementMiddleware creates entitlement gates backed by store. Pass
// the cached read-through store here; every gated request reads the
// document.
func NewEntitlementMiddleware(store entitlement.Store, catalog *tiers.Catalog, enforcer QuotaEnforcer, logger *observability.Logger) *EntitlementMiddleware {
	return &EntitlementMiddleware{
		store:    store,
		catalog:  catalog,
		enforcer: enforcer,
		logger:   logger,
	}
}

// TenantFromContext returns the tenant id resolved by TenantContext, or "".
func TenantFromContext(ctx context.Context) string {
	s, _ := ctx.Value(observability.TenantIDKey).(string)
	return s
}

// TenantContext resolves the tenant id from the {tenant} path variable or
// the X-Tenant-ID header and stores it in the request context. Requests with
// no resolvable tenant get 401.
//
// Tenant authentication itself happens upstream (API gateway); by the time a
// request reaches this service the tenant id is trusted.
func (m *EntitlementMiddleware) TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenant"]
		if tenantID == "" {
			tenantID = r.Header.Get("X-Tenant-ID")
		}
		if tenantID == "" {
			httputil.WriteUnauthorized(w, "missing tenant identity")
			return
		}

		ctx := context.WithValue(r.Context(), observability.TenantIDKey, tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireFeature rejects requests from tenants whose tier (or per-tenant
// overrides) does not grant the feature.
//
// REQUIRES: TenantContext must run before this middleware.
func (m *EntitlementMiddleware) RequireFeature(f tiers.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			doc, ok := m.loadDocument(w, r)
			if !ok {
				return
			}

			if !entitlement.CanAccessFeature(doc, m.catalog, f) {
				httputil.WriteUpgradeRequired(w, httputil.UpgradeRequiredResponse{
					Reason:       "feature not available on current plan",
					CurrentTier:  string(doc.Tier),
					RequiredTier: string(m.minTierFor(f)),
					Feature:      string(f),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// RequireTier rejects requests from tenants below the required tier.
//
// REQUIRES: TenantContext must run before this middleware.
func (m *EntitlementMiddleware) RequireTier(required tiers.Tier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			doc, ok := m.loadDocument(w, r)
			if !ok {
				return
			}

			if !entitlement.MeetsTier(doc, required) {
				httputil.WriteUpgradeRequired(w, httputil.UpgradeRequiredResponse{
					Reason:       "endpoint requires a higher plan",
					CurrentTier:  string(doc.Tier),
					RequiredTier: string(required),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// EnforceQuota atomically consumes n units of the named quota before letting
// the request through.
//
// REQUIRES: TenantContext must run before this middleware. Order it INSIDE
// any feature or tier gate: consumption is not rolled back if an inner
// handler fails.
func (m *EntitlementMiddleware) EnforceQuota(quotaName string, n int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID := TenantFromContext(r.Context())
			if tenantID == "" {
				httputil.WriteUnauthorized(w, "missing tenant identity")
				return
			}

			_, err := m.enforcer.CheckAndIncrement(r.Context(), tenantID, quotaName, n)
			if err != nil {
				var ee *quota.ExceededError
				if errors.As(err, &ee) {
					httputil.WriteQuotaExceeded(w, httputil.QuotaExceededResponse{
						Quota: ee.Quota,
						Limit: ee.Limit,
						Used:  ee.Used,
					})
					return
				}
				m.logger.WithError(err).WithTenant(tenantID).Error("quota enforcement failed")
				httputil.WriteInternalError(w, err)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (m *EntitlementMiddleware) loadDocument(w http.ResponseWriter, r *http.Request) (*entitlement.TenantEntitlement, bool) {
	tenantID := TenantFromContext(r.Context())
	if tenantID == "" {
		httputil.WriteUnauthorized(w, "missing tenant identity")
		return nil, false
	}

	doc, err := m.store.CreateDefault(r.Context(), tenantID)
	if err != nil {
		m.logger.WithError(err).WithTenant(tenantID).Error("failed to load entitlement")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return doc, true
}

// minTierFor names the lowest tier granting a feature, for upgrade prompts.
func (m *EntitlementMiddleware) minTierFor(f tiers.Feature) tiers.Tier {
	for _, t := range tiers.All() {
		if m.catalog.HasFeature(t, f) {
			return t
		}
	}
	return ""
}
