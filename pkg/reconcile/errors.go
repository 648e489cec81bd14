package reconcile

import (
	"errors"
	"fmt"
)

// ErrInvalidEvent marks a malformed or unverifiable normalized event.
// Never retried automatically.
var ErrInvalidEvent = errors.New("invalid billing event")

// ReconciliationError is returned when an event could not be applied after
// exhausting the retry budget. The event is NOT marked processed, so a
// provider redelivery (or the internal retry queue) can retry it safely.
type ReconciliationError struct {
	EventID  string
	TenantID string
	Attempts int
	Err      error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("reconciliation failed for event %s (tenant %s) after %d attempts: %v",
		e.EventID, e.TenantID, e.Attempts, e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// IsReconciliationFailed reports whether err is a ReconciliationError.
func IsReconciliationFailed(err error) bool {
	var re *ReconciliationError
	return errors.As(err, &re)
}
