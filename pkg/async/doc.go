// Package async provides safe concurrent execution primitives for
// background work.
//
// SafeGo runs a fire-and-forget task with panic recovery and a timeout.
// WorkerPool runs a fixed set of workers with graceful shutdown and error
// collection. Batch fans a slice out over a temporary pool and gathers the
// errors.
//
// Used by the maintenance sweeper for concurrent tenant downgrades and
// archive uploads, and by HTTP handlers for off-request work like cache
// invalidation.
package async
