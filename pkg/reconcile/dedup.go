package reconcile

import "context"

// Deduplicator tracks processed provider event ids to guarantee at-most-once
// effect. Implementations live in pkg/storage.
//
// The engine derives new state purely from event content plus current state
// and persists via compare-and-swap before calling MarkProcessed. If the
// mark step fails, a redelivery reapplies the same deterministic mutation,
// which is harmless.
type Deduplicator interface {
	// HasProcessed reports whether eventID has already taken effect.
	HasProcessed(ctx context.Context, eventID string) (bool, error)

	// MarkProcessed records an event id with an idempotent effect summary.
	// Recording the same id twice is not an error.
	MarkProcessed(ctx context.Context, eventID string, effect string) error
}
