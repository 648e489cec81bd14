// Package tiers defines the static subscription tier catalog: the ordered
// tier hierarchy, per-tier quota limits, and per-tier feature grants.
//
// The catalog is the single source of truth for quota limits. Entitlement
// documents never carry independently-set limits; they always derive them
// from the tier via LimitsFor, so tier and limits cannot drift apart.
//
// Operators can tune limits without a redeploy through an optional YAML
// override file (see Watcher), which is hot-reloaded on change.
package tiers
