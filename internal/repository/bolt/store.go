// Package bolt provides an embedded, single-file IdempotencyStore backed by
// BoltDB. Suitable for single-node deployments; the MySQL store covers the
// shared-database case. Both mutation primitives run inside one Bolt write
// transaction, which gives the per-key atomicity the coordinator depends on,
// and Bolt fsyncs before a write transaction commits, so acknowledged writes
// are durable.
package bolt

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	boltdb "github.com/boltdb/bolt"

	"payment-relay/internal/domain"
	"payment-relay/internal/repository"
)

const ordersBucket = "orders"

type Store struct {
	db *boltdb.DB
}

// Open opens (or creates) the database file and ensures the orders bucket
// exists.
func Open(path string) (*Store, error) {
	db, err := boltdb.Open(path, 0600, &boltdb.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *boltdb.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(ordersBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	var o domain.Order
	err := s.db.View(func(tx *boltdb.Tx) error {
		v := tx.Bucket([]byte(ordersBucket)).Get([]byte(orderID))
		if v == nil {
			return repository.ErrNotFound
		}
		return json.Unmarshal(v, &o)
	})
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) CreateIfAbsent(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	var result domain.Order
	created := false

	err := s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket([]byte(ordersBucket))

		existing := b.Get([]byte(order.OrderID))
		if existing != nil {
			return json.Unmarshal(existing, &result)
		}

		now := time.Now().UTC()
		order.CreatedAt = now
		order.UpdatedAt = now

		data, err := json.Marshal(order)
		if err != nil {
			return err
		}
		result = *order
		created = true
		return b.Put([]byte(order.OrderID), data)
	})
	if err != nil {
		return nil, false, err
	}
	return &result, created, nil
}

func (s *Store) Transition(ctx context.Context, orderID string, expected, next domain.OrderStatus, receipt *domain.Receipt, reason string) error {
	return s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket([]byte(ordersBucket))

		v := b.Get([]byte(orderID))
		if v == nil {
			return repository.ErrNotFound
		}
		var o domain.Order
		if err := json.Unmarshal(v, &o); err != nil {
			return err
		}
		if o.Status != expected {
			return repository.ErrConflict
		}

		o.Status = next
		if receipt != nil && o.Receipt == nil {
			o.Receipt = receipt
		}
		if reason != "" {
			o.FailureReason = reason
		}
		o.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(&o)
		if err != nil {
			return err
		}
		return b.Put([]byte(orderID), data)
	})
}

func (s *Store) ListStale(ctx context.Context, status domain.OrderStatus, olderThan time.Time, limit int) ([]domain.Order, error) {
	var out []domain.Order
	err := s.db.View(func(tx *boltdb.Tx) error {
		c := tx.Bucket([]byte(ordersBucket)).Cursor()
		for k, v := c.First(); k != nil && len(out) < limit; k, v = c.Next() {
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.Status == status && o.UpdatedAt.Before(olderThan) {
				out = append(out, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := s.db.Update(func(tx *boltdb.Tx) error {
		b := tx.Bucket([]byte(ordersBucket))

		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var o domain.Order
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			if o.Status == domain.StatusPending || o.Status == domain.StatusCharging {
				return nil
			}
			if !o.ExpiresAt.IsZero() && !o.ExpiresAt.After(now) {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

var _ repository.IdempotencyStore = (*Store)(nil)
