package entitlement

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Store.Get for tenants with no document.
var ErrNotFound = errors.New("entitlement not found")

// ErrConflict is returned by Store.CompareAndSwap when the stored version
// no longer matches the version the caller read.
var ErrConflict = errors.New("entitlement version conflict")

// Store is the entitlement persistence contract. Implementations live in
// pkg/storage; the reconciliation engine and quota enforcer receive one by
// injection and never touch a backend directly.
type Store interface {
	// Get returns the current document for a tenant, or ErrNotFound.
	Get(ctx context.Context, tenantID string) (*TenantEntitlement, error)

	// CreateDefault returns the stored document for a tenant, creating a
	// free-tier default first if none exists. Safe under concurrent
	// creation: exactly one document results, and every caller gets it.
	CreateDefault(ctx context.Context, tenantID string) (*TenantEntitlement, error)

	// CompareAndSwap persists e if and only if the stored version equals
	// e.Version. On success the store bumps e.Version and e.UpdatedAt in
	// place; on a lost race it returns ErrConflict and leaves e untouched.
	// Never a blind overwrite.
	CompareAndSwap(ctx context.Context, e *TenantEntitlement) error
}
