package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/rankforge/rankforge/pkg/entitlement"
	"github.com/rankforge/rankforge/pkg/httputil"
	"github.com/rankforge/rankforge/pkg/middleware"
	"github.com/rankforge/rankforge/pkg/quota"
	"github.com/rankforge/rankforge/pkg/tiers"
)

// entitlementResponse is the read-model view of a tenant document.
type entitlementResponse struct {
	TenantID  string     `json:"tenant_id"`
	Tier      string     `json:"tier"`
	Status    string     `json:"status"`
	PeriodEnd *time.Time `json:"period_end,omitempty"`
	Features  []string   `json:"features"`
}

type usageEntry struct {
	Limit     int64 `json:"limit"`
	Used      int64 `json:"used"`
	Remaining int64 `json:"remaining"`
}

type usageResponse struct {
	TenantID string                `json:"tenant_id"`
	Tier     string                `json:"tier"`
	Quotas   map[string]usageEntry `json:"quotas"`
}

type featureCheckResponse struct {
	TenantID string `json:"tenant_id"`
	Feature  string `json:"feature"`
	Allowed  bool   `json:"allowed"`
	Tier     string `json:"tier"`
}

type consumeRequest struct {
	Amount int64 `json:"amount"`
}

type consumeResponse struct {
	TenantID  string `json:"tenant_id"`
	Quota     string `json:"quota"`
	Remaining int64  `json:"remaining"`
}

// getEntitlement returns the tenant's tier, status, and granted features.
// Unknown tenants read as free-tier defaults, matching the lazy-creation
// semantics of the engine.
func (s *Server) getEntitlement(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}

	doc, ok := s.loadOrDefault(w, r, tenantID)
	if !ok {
		return
	}

	features := make([]string, 0)
	for _, f := range s.catalog.FeaturesFor(doc.Tier) {
		features = append(features, string(f))
	}
	for _, f := range doc.FeatureOverrides {
		features = append(features, string(f))
	}

	httputil.WriteSuccess(w, entitlementResponse{ //nolint:errcheck
		TenantID:  doc.TenantID,
		Tier:      string(doc.Tier),
		Status:    string(doc.Status),
		PeriodEnd: doc.PeriodEnd,
		Features:  features,
	})
}

// getUsage returns per-quota limit/used/remaining for the tenant.
func (s *Server) getUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return
	}

	doc, ok := s.loadOrDefault(w, r, tenantID)
	if !ok {
		return
	}

	quotas := make(map[string]usageEntry, len(doc.Quotas))
	for name, q := range doc.Quotas {
		quotas[name] = usageEntry{
			Limit:     q.Limit,
			Used:      q.Used,
			Remaining: entitlement.Remaining(doc, name),
		}
	}

	httputil.WriteSuccess(w, usageResponse{ //nolint:errcheck
		TenantID: doc.TenantID,
		Tier:     string(doc.Tier),
		Quotas:   quotas,
	})
}

// checkFeature answers a single access decision.
func (s *Server) checkFeature(w http.ResponseWriter, r *http.Request) {
	vars := httputil.GetPathVars(r)
	tenantID, feature := vars["tenant"], vars["feature"]
	if tenantID == "" || feature == "" {
		httputil.WriteBadRequest(w, "tenant and feature are required")
		return
	}

	doc, ok := s.loadOrDefault(w, r, tenantID)
	if !ok {
		return
	}

	allowed := entitlement.CanAccessFeature(doc, s.catalog, tiers.Feature(feature))
	httputil.WriteSuccess(w, featureCheckResponse{ //nolint:errcheck
		TenantID: doc.TenantID,
		Feature:  feature,
		Allowed:  allowed,
		Tier:     string(doc.Tier),
	})
}

// consumeQuota atomically checks and increments a quota on behalf of an
// internal service. Denials return 429 and leave the counter untouched.
func (s *Server) consumeQuota(w http.ResponseWriter, r *http.Request) {
	vars := httputil.GetPathVars(r)
	tenantID, quotaName := vars["tenant"], vars["quota"]
	if tenantID == "" || quotaName == "" {
		httputil.WriteBadRequest(w, "tenant and quota are required")
		return
	}

	req := consumeRequest{Amount: 1}
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}

	remaining, err := s.enforcer.CheckAndIncrement(r.Context(), tenantID, quotaName, req.Amount)
	if err != nil {
		var exceeded *quota.ExceededError
		switch {
		case errors.As(err, &exceeded):
			httputil.WriteQuotaExceeded(w, httputil.QuotaExceededResponse{
				Error: "quota_exceeded",
				Quota: exceeded.Quota,
				Limit: exceeded.Limit,
				Used:  exceeded.Used,
			})
		case errors.Is(err, quota.ErrUnknownQuota):
			httputil.WriteNotFoundError(w, "unknown quota")
		default:
			s.logger.WithTenant(tenantID).WithError(err).Error("quota consume failed")
			httputil.WriteInternalError(w, err)
		}
		return
	}

	httputil.WriteSuccess(w, consumeResponse{ //nolint:errcheck
		TenantID:  tenantID,
		Quota:     quotaName,
		Remaining: remaining,
	})
}

// startSiteAudit is the gated product surface behind the entitlement
// middleware chain. The audit itself runs elsewhere; this records the
// admission.
func (s *Server) startSiteAudit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.TenantFromContext(r.Context())
	httputil.WriteAccepted(w, map[string]string{ //nolint:errcheck
		"tenant_id": tenantID,
		"status":    "queued",
	})
}

func (s *Server) loadOrDefault(w http.ResponseWriter, r *http.Request, tenantID string) (*entitlement.TenantEntitlement, bool) {
	doc, err := s.store.Get(r.Context(), tenantID)
	if errors.Is(err, entitlement.ErrNotFound) {
		doc = entitlement.NewDefault(tenantID, s.catalog)
		err = nil
	}
	if err != nil {
		s.logger.WithTenant(tenantID).WithError(err).Error("failed to load entitlement")
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return doc, true
}
