package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"payment-relay/internal/domain"
)

type MockIdempotencyStore struct {
	mock.Mock
}

func (m *MockIdempotencyStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Order), args.Error(1)
}

func (m *MockIdempotencyStore) CreateIfAbsent(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	args := m.Called(ctx, order)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*domain.Order), args.Bool(1), args.Error(2)
}

func (m *MockIdempotencyStore) Transition(ctx context.Context, orderID string, expected, next domain.OrderStatus, receipt *domain.Receipt, reason string) error {
	args := m.Called(ctx, orderID, expected, next, receipt, reason)
	return args.Error(0)
}

func (m *MockIdempotencyStore) ListStale(ctx context.Context, status domain.OrderStatus, olderThan time.Time, limit int) ([]domain.Order, error) {
	args := m.Called(ctx, status, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Order), args.Error(1)
}

func (m *MockIdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

type MockPaymentGateway struct {
	mock.Mock
}

func (m *MockPaymentGateway) Charge(ctx context.Context, orderID string, amount int64, userID string) (*domain.Receipt, error) {
	args := m.Called(ctx, orderID, amount, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Receipt), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, routingKey string, data any) error {
	args := m.Called(ctx, routingKey, data)
	return args.Error(0)
}
