// Package entitlement defines the per-tenant entitlement document and the
// store contract every persistence backend implements.
//
// A TenantEntitlement is the resolved set of tier, billing status, and quota
// state governing what a tenant may do. Exactly one document exists per
// tenant; it is created lazily with free-tier defaults on first access.
//
// All mutation goes through Store.CompareAndSwap: a version-checked
// conditional write. Callers that lose the race re-read and recompute from
// the fresh state rather than retrying a stale write, so no distributed
// lock is needed.
//
// The access decision helpers (CanAccessFeature, MeetsTier) are pure reads
// with no side effects and are safe to call on every request.
package entitlement
