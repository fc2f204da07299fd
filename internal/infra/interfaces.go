package infra

import (
	"context"

	"payment-relay/internal/domain"
)

// PaymentGateway abstracts the external payment processor. The order
// identifier is passed through as the processor's own deduplication token, so
// it must be identical on every retry for the same order; the processor is
// responsible for returning the original receipt on duplicate tokens rather
// than charging again.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount int64, userID string) (*domain.Receipt, error)
}

var _ PaymentGateway = (*ProcessorClient)(nil)
