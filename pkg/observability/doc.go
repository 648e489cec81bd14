// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health checks, and graceful shutdown for the
// entitlement service.
//
// Logging uses stdlib slog with a JSON handler. Request id and tenant id
// travel through context and are attached to every log line via
// FromContext.
package observability
