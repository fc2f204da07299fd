package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"payment-relay/internal/domain"
	rabbit "payment-relay/internal/infra/rabbitmq"
	"payment-relay/internal/metrics"
	"payment-relay/internal/repository"
)

// Reconciler periodically sweeps the store for orders stuck in pending or
// charging beyond the abandonment threshold and reports them as at-risk. It
// is strictly read-only: an abandoned charging record may still resolve
// out-of-band, and mutating it here is exactly the double-charge the rest of
// the design exists to prevent. Operators act on the reports.
type Reconciler struct {
	store     repository.IdempotencyStore
	publisher rabbit.PublisherInterface
	logger    *zap.Logger

	Interval   time.Duration
	Threshold  time.Duration
	BatchLimit int
}

func NewReconciler(store repository.IdempotencyStore, pub rabbit.PublisherInterface, logger *zap.Logger, interval, threshold time.Duration) *Reconciler {
	return &Reconciler{
		store:      store,
		publisher:  pub,
		logger:     logger,
		Interval:   interval,
		Threshold:  threshold,
		BatchLimit: 500,
	}
}

// Run sweeps on every tick until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reconciliation sweep failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep scans both intermediate statuses concurrently and emits one at-risk
// report per stuck order.
func (r *Reconciler) Sweep(ctx context.Context) ([]domain.Order, error) {
	cutoff := time.Now().UTC().Add(-r.Threshold)

	var mu sync.Mutex
	var atRisk []domain.Order

	g, gctx := errgroup.WithContext(ctx)
	for _, status := range []domain.OrderStatus{domain.StatusPending, domain.StatusCharging} {
		status := status
		g.Go(func() error {
			orders, err := r.store.ListStale(gctx, status, cutoff, r.BatchLimit)
			if err != nil {
				return err
			}
			mu.Lock()
			atRisk = append(atRisk, orders...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	metrics.SetAtRiskOrders(len(atRisk))

	for _, o := range atRisk {
		report := domain.AtRiskReport{
			OrderID:    o.OrderID,
			Status:     o.Status,
			Amount:     o.Amount,
			UpdatedAt:  o.UpdatedAt,
			StuckSince: cutoff,
		}
		r.logger.Warn("order at risk",
			zap.String("order_id", o.OrderID),
			zap.String("status", string(o.Status)),
			zap.Int64("amount", o.Amount),
			zap.Time("updated_at", o.UpdatedAt),
		)
		if err := r.publisher.Publish(ctx, "order.at_risk", report); err != nil {
			r.logger.Warn("failed to publish at-risk report",
				zap.String("order_id", o.OrderID), zap.Error(err))
		}
	}

	return atRisk, nil
}
