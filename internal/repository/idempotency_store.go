package repository

import (
	"context"
	"errors"
	"time"

	"payment-relay/internal/domain"
)

var (
	// ErrNotFound is returned when an order identifier is unknown to the store.
	ErrNotFound = errors.New("order not found")

	// ErrConflict is returned by Transition when the expected status no longer
	// matches the stored one, meaning a concurrent writer moved the record.
	ErrConflict = errors.New("order status changed concurrently")
)

// IdempotencyStore is the durable record of order processing state, keyed by
// order identifier. CreateIfAbsent and Transition are the only mutation
// primitives and both must be atomic per key; that per-key atomicity is what
// lets concurrent settlement attempts converge to one economic outcome
// without any exclusive lock being held across the gateway call.
//
// Every successful write must be durable before the call returns.
type IdempotencyStore interface {
	Get(ctx context.Context, orderID string) (*domain.Order, error)

	// CreateIfAbsent inserts the given pending record only if no record exists
	// for its order identifier. When one already exists it is returned
	// unchanged with created=false; the stored record is never overwritten.
	CreateIfAbsent(ctx context.Context, order *domain.Order) (*domain.Order, bool, error)

	// Transition is a compare-and-swap on status. A non-nil receipt or a
	// non-empty failure reason is attached along with the new status. Returns
	// ErrConflict when expected does not match the current status and
	// ErrNotFound when the identifier is unknown.
	Transition(ctx context.Context, orderID string, expected, next domain.OrderStatus, receipt *domain.Receipt, reason string) error

	// ListStale returns up to limit records in the given status whose
	// updated_at is older than the cutoff. Read-only; used by reconciliation.
	ListStale(ctx context.Context, status domain.OrderStatus, olderThan time.Time, limit int) ([]domain.Order, error)

	// PurgeExpired deletes finalized records whose TTL has lapsed. Advisory
	// cleanup only; correctness never depends on it running.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}
