package services

import (
	"time"

	"go.uber.org/zap"

	"payment-relay/internal/domain"
	"payment-relay/internal/mocks"
)

const (
	TestOrderID     = "o-test-1"
	TestUserID      = "u-test-1"
	TestAmount      = int64(500)
	TestFeatureID   = "feature-hd"
	TestArtifactRef = "artifact://o-test-1"
)

// fastTestConfig removes real backoff waits so store-retry paths run in
// microseconds.
func fastTestConfig() CoordinatorConfig {
	cfg := DefaultCoordinatorConfig()
	cfg.GatewayTimeout = 200 * time.Millisecond
	cfg.Policy = RetryPolicy{
		Initial: []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond},
		Ceiling: time.Millisecond,
		MaxAuto: 5,
	}
	return cfg
}

func newTestCoordinator(store *mocks.MockIdempotencyStore, gateway *mocks.MockPaymentGateway, pub *mocks.MockPublisher) *Coordinator {
	return NewCoordinator(fastTestConfig(), store, gateway, pub, zap.NewNop())
}

func testSettleRequest() SettleRequest {
	return SettleRequest{
		OrderID:     TestOrderID,
		UserID:      TestUserID,
		Amount:      TestAmount,
		FeatureID:   TestFeatureID,
		ArtifactRef: TestArtifactRef,
	}
}

func storedOrder(status domain.OrderStatus) *domain.Order {
	return &domain.Order{
		OrderID:     TestOrderID,
		UserID:      TestUserID,
		Amount:      TestAmount,
		FeatureID:   TestFeatureID,
		ArtifactRef: TestArtifactRef,
		Status:      status,
		CreatedAt:   time.Now().Add(-time.Minute),
		UpdatedAt:   time.Now().Add(-time.Minute),
		ExpiresAt:   time.Now().Add(72 * time.Hour),
	}
}

func storedPaidOrder(receipt *domain.Receipt) *domain.Order {
	o := storedOrder(domain.StatusPaid)
	o.Receipt = receipt
	return o
}
