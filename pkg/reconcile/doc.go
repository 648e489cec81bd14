// Package reconcile implements the billing reconciliation engine: the state
// machine that maps normalized payment-provider events onto entitlement
// mutations.
//
// Guarantees:
//
//   - At-most-once effect per event id (Deduplicator check before any work,
//     mark after successful persistence).
//   - Out-of-order robustness: subscription events older than the last
//     applied event are discarded as stale; payment events only touch
//     informational fields when they arrive late.
//   - Lost-update safety: every persist is a compare-and-swap. Conflicts
//     re-read and recompute from fresh state with bounded jittered retries;
//     exhaustion surfaces as a ReconciliationError with the event left
//     unmarked so a redelivery can retry it.
//
// The status machine: free -> active (checkout/created), active -> past_due
// (payment_failed), past_due -> active (payment_succeeded), active|past_due
// -> canceled (subscription_canceled), canceled -> active only via a new
// checkout. There is no transition from canceled to past_due.
package reconcile
