package middleware_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/middleware"
	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/quota"
	"github.com/rankforge/rankforge/pkg/storage"
	"github.com/rankforge/rankforge/pkg/tiers"
)

type fixture struct {
	mw    *middleware.EntitlementMiddleware
	store *storage.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := tiers.NewCatalog()
	store := storage.NewMemoryStore(catalog)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	enforcer := quota.NewEnforcer(store, logger)
	return &fixture{
		mw:    middleware.NewEntitlementMiddleware(store, catalog, enforcer, logger),
		store: store,
	}
}

func (f *fixture) activate(t *testing.T, tenantID string, tier tiers.Tier) {
	t.Helper()
	ctx := context.Background()
	doc, err := f.store.CreateDefault(ctx, tenantID)
	require.NoError(t, err)
	doc.Tier = tier
	doc.Status = entitlement.StatusActive
	entitlement.ApplyTierLimits(doc, tiers.NewCatalog(), true)
	require.NoError(t, f.store.CompareAndSwap(ctx, doc))
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestTenantContext(t *testing.T) {
	f := newFixture(t)

	t.Run("resolves from header", func(t *testing.T) {
		var got string
		h := f.mw.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = middleware.TenantFromContext(r.Context())
		}))

		r := httptest.NewRequest("GET", "/", nil)
		r.Header.Set("X-Tenant-ID", "acme")
		h.ServeHTTP(httptest.NewRecorder(), r)
		assert.Equal(t, "acme", got)
	})

	t.Run("resolves from path variable", func(t *testing.T) {
		var got string
		router := mux.NewRouter()
		router.Handle("/tenants/{tenant}/entitlement",
			f.mw.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = middleware.TenantFromContext(r.Context())
			})))

		router.ServeHTTP(httptest.NewRecorder(),
			httptest.NewRequest("GET", "/tenants/acme/entitlement", nil))
		assert.Equal(t, "acme", got)
	})

	t.Run("rejects anonymous requests", func(t *testing.T) {
		h := f.mw.TenantContext(okHandler())
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func serveAs(h http.Handler, tenantID string) *httptest.ResponseRecorder {
	r := httptest.NewRequest("POST", "/", nil)
	ctx := context.WithValue(r.Context(), observability.TenantIDKey, tenantID)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(ctx))
	return w
}

func TestRequireFeature(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "starter-co", tiers.TierStarter)
	f.activate(t, "agency-co", tiers.TierAgency)

	gate := f.mw.RequireFeature(tiers.FeatureCompetitorAnalysis)(okHandler())

	t.Run("granted by tier", func(t *testing.T) {
		w := serveAs(gate, "agency-co")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("denied with upgrade prompt", func(t *testing.T) {
		w := serveAs(gate, "starter-co")
		assert.Equal(t, http.StatusForbidden, w.Code)

		var body httputil.UpgradeRequiredResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "upgrade_required", body.Error)
		assert.Equal(t, "starter", body.CurrentTier)
		assert.Equal(t, "agency", body.RequiredTier)
		assert.Equal(t, "competitor_analysis", body.Feature)
	})

	t.Run("granted by per-tenant override", func(t *testing.T) {
		ctx := context.Background()
		doc, err := f.store.Get(ctx, "starter-co")
		require.NoError(t, err)
		doc.FeatureOverrides = []tiers.Feature{tiers.FeatureCompetitorAnalysis}
		require.NoError(t, f.store.CompareAndSwap(ctx, doc))

		w := serveAs(gate, "starter-co")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown tenant defaults to free", func(t *testing.T) {
		w := serveAs(gate, "newcomer")
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestRequireTier(t *testing.T) {
	f := newFixture(t)
	f.activate(t, "starter-co", tiers.TierStarter)
	f.activate(t, "enterprise-co", tiers.TierEnterprise)

	gate := f.mw.RequireTier(tiers.TierAgency)(okHandler())

	w := serveAs(gate, "enterprise-co")
	assert.Equal(t, http.StatusOK, w.Code, "higher tiers pass lower gates")

	w = serveAs(gate, "starter-co")
	assert.Equal(t, http.StatusForbidden, w.Code)

	var body httputil.UpgradeRequiredResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "agency", body.RequiredTier)
}

func TestEnforceQuota(t *testing.T) {
	f := newFixture(t)

	// Free tier: one site audit per month.
	gate := f.mw.EnforceQuota(tiers.QuotaSiteAudits, 1)(okHandler())

	w := serveAs(gate, "acme")
	assert.Equal(t, http.StatusOK, w.Code)

	w = serveAs(gate, "acme")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body httputil.QuotaExceededResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Error)
	assert.Equal(t, "siteAudits", body.Quota)
	assert.Equal(t, int64(1), body.Limit)
	assert.Equal(t, int64(1), body.Used)
}

// wrappingEnforcer returns denials wrapped the way a retrying caller would.
type wrappingEnforcer struct{}

func (wrappingEnforcer) CheckAndIncrement(ctx context.Context, tenantID, quotaName string, n int64) (int64, error) {
	return 0, fmt.Errorf("consume %s: %w", quotaName, &quota.ExceededError{
		TenantID: tenantID,
		Quota:    quotaName,
		Limit:    1,
		Used:     1,
		Want:     n,
	})
}

func TestEnforceQuotaUnwrapsDenials(t *testing.T) {
	f := newFixture(t)
	catalog := tiers.NewCatalog()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	mw := middleware.NewEntitlementMiddleware(f.store, catalog, wrappingEnforcer{}, logger)

	gate := mw.EnforceQuota(tiers.QuotaSiteAudits, 1)(okHandler())
	w := serveAs(gate, "acme")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	var body httputil.QuotaExceededResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "siteAudits", body.Quota)
	assert.Equal(t, int64(1), body.Limit)
}

func TestGateOrderingProtectsQuota(t *testing.T) {
	// A request denied by the feature gate must not consume quota.
	f := newFixture(t)

	h := f.mw.RequireFeature(tiers.FeatureSiteAudit)(
		f.mw.EnforceQuota(tiers.QuotaSiteAudits, 1)(okHandler()))

	// Free tier lacks site_audit, so the outer gate rejects.
	w := serveAs(h, "acme")
	assert.Equal(t, http.StatusForbidden, w.Code)

	doc, err := f.store.Get(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Quotas[tiers.QuotaSiteAudits].Used)
}
