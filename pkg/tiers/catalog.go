package tiers

import (
	"fmt"
	"sync"
)

// Tier is an ordered subscription level.
type Tier string

const (
	TierFree       Tier = "free"
	TierStarter    Tier = "starter"
	TierAgency     Tier = "agency"
	TierEnterprise Tier = "enterprise"
	TierAdmin      Tier = "admin"
)

// tierOrder defines the tier hierarchy from lowest to highest.
var tierOrder = []Tier{TierFree, TierStarter, TierAgency, TierEnterprise, TierAdmin}

// Feature identifies a gated product capability.
type Feature string

const (
	FeatureSERPTracking       Feature = "serp_tracking"
	FeatureSiteAudit          Feature = "site_audit"
	FeatureCompetitorAnalysis Feature = "competitor_analysis"
	FeatureAIBriefs           Feature = "ai_briefs"
	FeatureWhiteLabel         Feature = "white_label"
	FeatureAPIAccess          Feature = "api_access"
	FeaturePrioritySupport    Feature = "priority_support"
	FeatureTeamSeats          Feature = "team_seats"
	FeatureAdminConsole       Feature = "admin_console"
)

// Quota names used across the product. Limits are monthly unless noted.
const (
	QuotaMonthlyAnalyses   = "monthlyAnalyses"
	QuotaTrackedKeywords   = "trackedKeywords"
	QuotaCompetitorReports = "competitorReports"
	QuotaAIContentBriefs   = "aiContentBriefs"
	QuotaSiteAudits        = "siteAudits"
)

// Unlimited marks a quota with no cap.
const Unlimited int64 = -1

// ValidTier reports whether t is a known tier.
func ValidTier(t Tier) bool {
	for _, known := range tierOrder {
		if known == t {
			return true
		}
	}
	return false
}

// Index returns the position of t in the tier hierarchy.
// Unknown tiers are a programming error and panic.
func Index(t Tier) int {
	for i, known := range tierOrder {
		if known == t {
			return i
		}
	}
	panic(fmt.Sprintf("tiers: unknown tier %q", t))
}

// MeetsTier reports whether tier a is at or above tier b in the hierarchy.
func MeetsTier(a, b Tier) bool {
	return Index(a) >= Index(b)
}

// All returns the tiers in hierarchy order, lowest first.
func All() []Tier {
	out := make([]Tier, len(tierOrder))
	copy(out, tierOrder)
	return out
}

// ParseTier converts a plan identifier into a Tier, unlike Index this is
// for external input and returns an error instead of panicking.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !ValidTier(t) {
		return "", fmt.Errorf("tiers: unknown tier %q", s)
	}
	return t, nil
}

// Catalog maps tiers to quota limits and feature grants. Reads are safe for
// concurrent use; ApplyOverrides swaps the limit tables atomically.
type Catalog struct {
	mu       sync.RWMutex
	limits   map[Tier]map[string]int64
	features map[Tier][]Feature
}

// NewCatalog returns a catalog with the built-in defaults.
func NewCatalog() *Catalog {
	return &Catalog{
		limits:   defaultLimits(),
		features: defaultFeatures(),
	}
}

func defaultLimits() map[Tier]map[string]int64 {
	return map[Tier]map[string]int64{
		TierFree: {
			QuotaMonthlyAnalyses:   10,
			QuotaTrackedKeywords:   25,
			QuotaCompetitorReports: 0,
			QuotaAIContentBriefs:   0,
			QuotaSiteAudits:        1,
		},
		TierStarter: {
			QuotaMonthlyAnalyses:   250,
			QuotaTrackedKeywords:   500,
			QuotaCompetitorReports: 10,
			QuotaAIContentBriefs:   25,
			QuotaSiteAudits:        10,
		},
		TierAgency: {
			QuotaMonthlyAnalyses:   2500,
			QuotaTrackedKeywords:   5000,
			QuotaCompetitorReports: 100,
			QuotaAIContentBriefs:   250,
			QuotaSiteAudits:        100,
		},
		TierEnterprise: {
			QuotaMonthlyAnalyses:   Unlimited,
			QuotaTrackedKeywords:   50000,
			QuotaCompetitorReports: Unlimited,
			QuotaAIContentBriefs:   2500,
			QuotaSiteAudits:        Unlimited,
		},
		TierAdmin: {
			QuotaMonthlyAnalyses:   Unlimited,
			QuotaTrackedKeywords:   Unlimited,
			QuotaCompetitorReports: Unlimited,
			QuotaAIContentBriefs:   Unlimited,
			QuotaSiteAudits:        Unlimited,
		},
	}
}

func defaultFeatures() map[Tier][]Feature {
	return map[Tier][]Feature{
		TierFree: {
			FeatureSERPTracking,
		},
		TierStarter: {
			FeatureSERPTracking,
			FeatureSiteAudit,
			FeatureAIBriefs,
		},
		TierAgency: {
			FeatureSERPTracking,
			FeatureSiteAudit,
			FeatureCompetitorAnalysis,
			FeatureAIBriefs,
			FeatureWhiteLabel,
			FeatureTeamSeats,
		},
		TierEnterprise: {
			FeatureSERPTracking,
			FeatureSiteAudit,
			FeatureCompetitorAnalysis,
			FeatureAIBriefs,
			FeatureWhiteLabel,
			FeatureAPIAccess,
			FeaturePrioritySupport,
			FeatureTeamSeats,
		},
		TierAdmin: {
			FeatureSERPTracking,
			FeatureSiteAudit,
			FeatureCompetitorAnalysis,
			FeatureAIBriefs,
			FeatureWhiteLabel,
			FeatureAPIAccess,
			FeaturePrioritySupport,
			FeatureTeamSeats,
			FeatureAdminConsole,
		},
	}
}

// LimitsFor returns a copy of the quota limits for a tier.
// Unknown tiers are a programming error and panic.
func (c *Catalog) LimitsFor(t Tier) map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	limits, ok := c.limits[t]
	if !ok {
		panic(fmt.Sprintf("tiers: no limits defined for tier %q", t))
	}

	out := make(map[string]int64, len(limits))
	for name, limit := range limits {
		out[name] = limit
	}
	return out
}

// FeaturesFor returns a copy of the feature grants for a tier.
// Unknown tiers are a programming error and panic.
func (c *Catalog) FeaturesFor(t Tier) []Feature {
	c.mu.RLock()
	defer c.mu.RUnlock()

	features, ok := c.features[t]
	if !ok {
		panic(fmt.Sprintf("tiers: no features defined for tier %q", t))
	}

	out := make([]Feature, len(features))
	copy(out, features)
	return out
}

// HasFeature reports whether a tier is granted a feature.
func (c *Catalog) HasFeature(t Tier, f Feature) bool {
	for _, granted := range c.FeaturesFor(t) {
		if granted == f {
			return true
		}
	}
	return false
}

// ApplyOverrides merges operator limit overrides into the catalog.
// Overrides for unknown tiers or quota names are rejected so a typo in the
// override file cannot silently create an untracked limit.
func (c *Catalog) ApplyOverrides(o *Overrides) error {
	defaults := defaultLimits()

	merged := make(map[Tier]map[string]int64, len(defaults))
	for tier, limits := range defaults {
		m := make(map[string]int64, len(limits))
		for name, limit := range limits {
			m[name] = limit
		}
		merged[tier] = m
	}

	for tierName, limits := range o.Limits {
		tier, err := ParseTier(tierName)
		if err != nil {
			return err
		}
		for name, limit := range limits {
			if _, ok := merged[tier][name]; !ok {
				return fmt.Errorf("tiers: unknown quota %q in override for tier %q", name, tier)
			}
			if limit < Unlimited {
				return fmt.Errorf("tiers: invalid limit %d for %s/%s", limit, tier, name)
			}
			merged[tier][name] = limit
		}
	}

	c.mu.Lock()
	c.limits = merged
	c.mu.Unlock()

	return nil
}
