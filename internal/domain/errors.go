package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable covers transient faults: processor timeouts, 5xx
	// responses, and store errors that survived local retries. Callers may
	// resubmit with the identical order identifier.
	ErrUnavailable = errors.New("payment backend unavailable")

	// ErrBusy means the caller repeatedly lost the local transition race to a
	// concurrent settler of the same order. Retryable immediately.
	ErrBusy = errors.New("order settlement in progress")
)

// RejectedError is a terminal processor decline (e.g. insufficient funds).
// Never retried; the reason is surfaced for user-facing remediation.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("charge rejected: %s", e.Reason)
}

// IntegrityError signals that a replayed order identifier arrived with a
// different amount or feature than was recorded at creation. Treated as a
// possible tampering attempt, never as a retry.
type IntegrityError struct {
	OrderID string
	Field   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("order %s: %s does not match recorded value", e.OrderID, e.Field)
}
