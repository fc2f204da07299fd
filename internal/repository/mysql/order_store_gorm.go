package mysql

import (
	"context"
	"errors"
	"time"

	"payment-relay/internal/domain"
	"payment-relay/internal/repository"

	"gorm.io/gorm"
)

type orderStore struct {
	db *gorm.DB
}

// NewOrderStore wraps a GORM connection as an IdempotencyStore. The
// connection must be opened with TranslateError enabled so duplicate-key
// inserts surface as gorm.ErrDuplicatedKey.
func NewOrderStore(db *gorm.DB) repository.IdempotencyStore {
	return &orderStore{db: db}
}

func (s *orderStore) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&o).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// CreateIfAbsent relies on the primary key constraint: the INSERT either
// lands first or fails with a duplicate-key error, in which case the already
// stored record is returned untouched. Two concurrent creators for the same
// identifier therefore always agree on a single record.
func (s *orderStore) CreateIfAbsent(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	err := s.db.WithContext(ctx).Create(order).Error
	if err == nil {
		return order, true, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, false, err
	}
	existing, gerr := s.Get(ctx, order.OrderID)
	if gerr != nil {
		return nil, false, gerr
	}
	return existing, false, nil
}

// Transition is a conditional UPDATE keyed on the expected status. Zero rows
// affected means either the record is gone or a concurrent writer already
// moved it past the expected status.
func (s *orderStore) Transition(ctx context.Context, orderID string, expected, next domain.OrderStatus, receipt *domain.Receipt, reason string) error {
	res := s.db.WithContext(ctx).
		Model(&domain.Order{}).
		Where("order_id = ? AND status = ?", orderID, expected).
		Updates(domain.Order{Status: next, Receipt: receipt, FailureReason: reason})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, orderID); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return nil
}

func (s *orderStore) ListStale(ctx context.Context, status domain.OrderStatus, olderThan time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", status, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// PurgeExpired leaves pending and charging rows alone regardless of age so
// stuck in-flight orders stay visible to the reconciler and to operators.
func (s *orderStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("expires_at <= ? AND status NOT IN ?", now, []domain.OrderStatus{domain.StatusPending, domain.StatusCharging}).
		Delete(&domain.Order{})
	return res.RowsAffected, res.Error
}
