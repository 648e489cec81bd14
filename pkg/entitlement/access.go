package entitlement

import (
	"github.com/rankforge/rankforge/pkg/tiers"
)

// CanAccessFeature reports whether a tenant's entitlement grants a feature,
// either through its tier or through an explicit per-tenant override.
// Pure read; safe on every request.
//
// Billing status is deliberately not consulted: cancellation already
// downgrades the tier to free, and past_due keeps access during the grace
// period.
func CanAccessFeature(e *TenantEntitlement, catalog *tiers.Catalog, f tiers.Feature) bool {
	for _, granted := range e.FeatureOverrides {
		if granted == f {
			return true
		}
	}
	return catalog.HasFeature(e.Tier, f)
}

// MeetsTier reports whether the entitlement's tier is at or above required.
func MeetsTier(e *TenantEntitlement, required tiers.Tier) bool {
	return tiers.MeetsTier(e.Tier, required)
}

// Remaining returns the remaining units for a quota. Unlimited quotas
// return -1; unknown quota names return 0 remaining.
func Remaining(e *TenantEntitlement, quotaName string) int64 {
	q, ok := e.Quotas[quotaName]
	if !ok {
		return 0
	}
	if q.Limit == tiers.Unlimited {
		return tiers.Unlimited
	}
	remaining := q.Limit - q.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}
