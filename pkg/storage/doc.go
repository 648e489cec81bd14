// Package storage provides the persistence backends for entitlement
// documents and processed billing events.
//
// Three entitlement.Store implementations exist:
//
//   - postgres: production backend, JSONB document with a version column
//   - sqlite: single-node deployments, same schema
//   - memory: tests and local development
//
// All of them implement compare-and-swap as a version-checked conditional
// write; none ever blindly overwrites a document.
package storage
