package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"payment-relay/internal/domain"
	"payment-relay/internal/infra"
	rabbit "payment-relay/internal/infra/rabbitmq"
	"payment-relay/internal/metrics"
	"payment-relay/internal/repository"
)

var ErrOrderNotFound = errors.New("order not found")

// SettleRequest carries one settlement attempt. OrderID is the idempotency
// anchor: identical across every retry of the same purchase.
type SettleRequest struct {
	OrderID     string
	UserID      string
	Amount      int64
	FeatureID   string
	ArtifactRef string
}

type CoordinatorConfig struct {
	// GatewayTimeout bounds the charge call; expiry is treated as the
	// processor being unavailable, never as a decline.
	GatewayTimeout time.Duration
	// MaxRestarts bounds how often a lost transition race re-reads and
	// restarts before the attempt is reported as busy.
	MaxRestarts int
	// StoreAttempts bounds local retries of transient store faults before
	// they are reclassified as unavailable.
	StoreAttempts int
	// RecordTTL is the store-level expiry stamped on new records. Days, not
	// hours: purging is advisory cleanup, never needed for correctness.
	RecordTTL time.Duration
	Policy    RetryPolicy
}

func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		GatewayTimeout: 10 * time.Second,
		MaxRestarts:    3,
		StoreAttempts:  3,
		RecordTTL:      7 * 24 * time.Hour,
		Policy:         DefaultRetryPolicy(),
	}
}

// Coordinator drives the settlement state machine:
//
//	pending -> charging -> {paid | failed_retryable | failed_terminal}
//
// paid and failed_terminal are absorbing. All coordination between concurrent
// settlers of the same order goes through the store's per-key CAS primitives;
// no lock is ever held across the gateway call. A crash mid-charge leaves the
// record in charging, and a later retry with the same order identifier safely
// re-issues the charge because the gateway dedups on that token.
type Coordinator struct {
	store       repository.IdempotencyStore
	gateway     infra.PaymentGateway
	publisher   rabbit.PublisherInterface
	redisClient *redis.Client
	logger      *zap.Logger
	cfg         CoordinatorConfig
}

func NewCoordinator(cfg CoordinatorConfig, store repository.IdempotencyStore, gateway infra.PaymentGateway, pub rabbit.PublisherInterface, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		store:     store,
		gateway:   gateway,
		publisher: pub,
		logger:    logger,
		cfg:       cfg,
	}
}

// SetRedisClient enables the optional finalized-result cache. The cache is
// advisory: misses and stale entries fall through to the store.
func (c *Coordinator) SetRedisClient(client *redis.Client) {
	c.redisClient = client
}

// Settle settles one order. Replaying with the same identifier never changes
// the economic outcome: a paid order returns its original receipt with no
// gateway call, a terminally failed order returns its original failure, and
// an in-flight order is safely re-driven.
//
// The returned order accompanies terminal failures as well, so callers can
// surface the recorded reason; retryable outcomes return an error wrapping
// domain.ErrUnavailable or domain.ErrBusy.
func (c *Coordinator) Settle(ctx context.Context, req SettleRequest) (*domain.Order, error) {
	start := time.Now()
	defer func() { metrics.ObserveSettleDuration(time.Since(start)) }()

	if cached := c.cachedFinal(ctx, req.OrderID); cached != nil {
		if err := checkIntegrity(cached, req); err != nil {
			return nil, err
		}
		return c.finalResult(cached)
	}

	for restart := 0; restart <= c.cfg.MaxRestarts; restart++ {
		rec, created, err := c.createIfAbsent(ctx, req)
		if err != nil {
			return nil, err
		}
		if created {
			c.emitTransition(rec.OrderID, rec.Status, rec.Amount)
		}
		if err := checkIntegrity(rec, req); err != nil {
			c.logger.Warn("integrity violation on replayed order",
				zap.String("order_id", req.OrderID),
				zap.Int64("recorded_amount", rec.Amount),
				zap.Int64("submitted_amount", req.Amount),
			)
			return nil, err
		}
		if rec.Status.Final() {
			c.cacheFinal(ctx, rec)
			return c.finalResult(rec)
		}

		// pending, failed_retryable and a resumed charging record all CAS to
		// charging. Re-entering charging bumps updated_at so the reconciler
		// does not flag an order that is actively being re-driven.
		err = c.transition(ctx, req.OrderID, rec.Status, domain.StatusCharging, nil, "")
		if err != nil {
			if errors.Is(err, repository.ErrConflict) {
				// Another in-flight settler moved the record; re-read and
				// restart from the top.
				continue
			}
			return nil, err
		}
		if rec.Status != domain.StatusCharging {
			c.emitTransition(req.OrderID, domain.StatusCharging, req.Amount)
		}

		return c.charge(ctx, req)
	}

	return nil, fmt.Errorf("order %s: %w", req.OrderID, domain.ErrBusy)
}

// GetOrder returns the stored record for an identifier.
func (c *Coordinator) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	rec, err := c.store.Get(ctx, orderID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return rec, nil
}

// charge runs the gateway call and persists its outcome. The record is in
// charging when this is entered.
func (c *Coordinator) charge(ctx context.Context, req SettleRequest) (*domain.Order, error) {
	cctx, cancel := context.WithTimeout(ctx, c.cfg.GatewayTimeout)
	receipt, chargeErr := c.gateway.Charge(cctx, req.OrderID, req.Amount, req.UserID)
	cancel()

	if chargeErr != nil {
		var rejected *domain.RejectedError
		if errors.As(chargeErr, &rejected) {
			metrics.RecordGatewayCall("rejected")
			return c.finalizeRejected(ctx, req, rejected)
		}

		metrics.RecordGatewayCall("unavailable")
		// Best effort: the record parks in failed_retryable so the caller's
		// next attempt re-enters the CAS path. If this transition is lost the
		// record stays in charging, which a retry also handles.
		if terr := c.transition(ctx, req.OrderID, domain.StatusCharging, domain.StatusFailedRetryable, nil, ""); terr == nil {
			c.emitTransition(req.OrderID, domain.StatusFailedRetryable, req.Amount)
		} else if !errors.Is(terr, repository.ErrConflict) {
			c.logger.Warn("could not park order as retryable",
				zap.String("order_id", req.OrderID), zap.Error(terr))
		}
		return nil, fmt.Errorf("charge %s: %w", req.OrderID, domain.ErrUnavailable)
	}

	metrics.RecordGatewayCall("charged")
	err := c.transition(ctx, req.OrderID, domain.StatusCharging, domain.StatusPaid, receipt, "")
	if err == nil {
		c.emitTransition(req.OrderID, domain.StatusPaid, req.Amount)
		rec := c.paidRecord(req, receipt)
		c.cacheFinal(ctx, rec)
		return rec, nil
	}
	if errors.Is(err, repository.ErrConflict) {
		// A concurrent settler finalized first. First-writer-wins: the stored
		// receipt is the only one ever surfaced; ours is informational.
		c.logger.Info("discarding duplicate receipt after lost finalize race",
			zap.String("order_id", req.OrderID),
			zap.String("transaction_id", receipt.TransactionID),
		)
		rec, gerr := c.store.Get(ctx, req.OrderID)
		if gerr != nil {
			return nil, fmt.Errorf("re-reading finalized order %s: %w", req.OrderID, domain.ErrUnavailable)
		}
		if rec.Status.Final() {
			c.cacheFinal(ctx, rec)
			return c.finalResult(rec)
		}
		return nil, fmt.Errorf("order %s: %w", req.OrderID, domain.ErrBusy)
	}
	// The charge landed but the outcome could not be persisted. The record
	// remains in charging; a retry re-issues the charge with the same token
	// and the processor replays the original receipt.
	c.logger.Error("charged but failed to persist paid status",
		zap.String("order_id", req.OrderID), zap.Error(err))
	return nil, fmt.Errorf("persisting outcome for %s: %w", req.OrderID, domain.ErrUnavailable)
}

func (c *Coordinator) finalizeRejected(ctx context.Context, req SettleRequest, rejected *domain.RejectedError) (*domain.Order, error) {
	terr := c.transition(ctx, req.OrderID, domain.StatusCharging, domain.StatusFailedTerminal, nil, rejected.Reason)
	switch {
	case terr == nil:
		c.emitTransition(req.OrderID, domain.StatusFailedTerminal, req.Amount)
	case errors.Is(terr, repository.ErrConflict):
		// Someone else already finalized; their outcome stands.
	default:
		c.logger.Error("could not persist terminal rejection",
			zap.String("order_id", req.OrderID), zap.Error(terr))
	}

	rec, gerr := c.store.Get(ctx, req.OrderID)
	if gerr != nil {
		return nil, rejected
	}
	if rec.Status.Final() {
		c.cacheFinal(ctx, rec)
		return c.finalResult(rec)
	}
	return rec, rejected
}

// finalResult maps an absorbing record to the caller-facing outcome.
func (c *Coordinator) finalResult(rec *domain.Order) (*domain.Order, error) {
	if rec.Status == domain.StatusPaid {
		return rec, nil
	}
	reason := rec.FailureReason
	if reason == "" {
		reason = "payment declined"
	}
	return rec, &domain.RejectedError{Reason: reason}
}

func (c *Coordinator) paidRecord(req SettleRequest, receipt *domain.Receipt) *domain.Order {
	now := time.Now().UTC()
	return &domain.Order{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		FeatureID:   req.FeatureID,
		ArtifactRef: req.ArtifactRef,
		Status:      domain.StatusPaid,
		Receipt:     receipt,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(c.cfg.RecordTTL),
	}
}

func checkIntegrity(rec *domain.Order, req SettleRequest) error {
	if rec.Amount != req.Amount {
		return &domain.IntegrityError{OrderID: rec.OrderID, Field: "amount"}
	}
	if rec.FeatureID != req.FeatureID {
		return &domain.IntegrityError{OrderID: rec.OrderID, Field: "feature_id"}
	}
	return nil
}

func (c *Coordinator) createIfAbsent(ctx context.Context, req SettleRequest) (*domain.Order, bool, error) {
	fresh := &domain.Order{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		FeatureID:   req.FeatureID,
		ArtifactRef: req.ArtifactRef,
		Status:      domain.StatusPending,
		ExpiresAt:   time.Now().UTC().Add(c.cfg.RecordTTL),
	}
	var rec *domain.Order
	var created bool
	err := c.withStoreRetry(ctx, func() error {
		var err error
		rec, created, err = c.store.CreateIfAbsent(ctx, fresh)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return rec, created, nil
}

func (c *Coordinator) transition(ctx context.Context, orderID string, expected, next domain.OrderStatus, receipt *domain.Receipt, reason string) error {
	return c.withStoreRetry(ctx, func() error {
		return c.store.Transition(ctx, orderID, expected, next, receipt, reason)
	})
}

// withStoreRetry retries transient store faults with the policy's backoff.
// Conflicts and not-found are contract outcomes, not faults, and pass
// through untouched. After the attempt budget the fault is reclassified as
// unavailable so the caller resubmits with the identical order identifier.
func (c *Coordinator) withStoreRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 1; attempt <= c.cfg.StoreAttempts; attempt++ {
		err = op()
		if err == nil || errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if attempt == c.cfg.StoreAttempts {
			break
		}
		select {
		case <-time.After(c.cfg.Policy.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.logger.Error("store operation failed after retries", zap.Error(err))
	return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
}

func (c *Coordinator) emitTransition(orderID string, status domain.OrderStatus, amount int64) {
	metrics.RecordTransition(string(status))
	evt := domain.OrderTransitionEvent{
		OrderID:   orderID,
		Status:    status,
		Amount:    amount,
		Timestamp: time.Now().UTC(),
	}
	if err := c.publisher.Publish(context.Background(), "order."+string(status), evt); err != nil {
		c.logger.Warn("failed to publish transition event",
			zap.String("order_id", orderID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func finalCacheKey(orderID string) string {
	return "order:final:" + orderID
}

func (c *Coordinator) cachedFinal(ctx context.Context, orderID string) *domain.Order {
	if c.redisClient == nil {
		return nil
	}
	cached, err := c.redisClient.Get(ctx, finalCacheKey(orderID)).Result()
	if err != nil {
		return nil
	}
	var rec domain.Order
	if err := json.Unmarshal([]byte(cached), &rec); err != nil {
		return nil
	}
	if !rec.Status.Final() {
		return nil
	}
	return &rec
}

func (c *Coordinator) cacheFinal(ctx context.Context, rec *domain.Order) {
	if c.redisClient == nil || !rec.Status.Final() {
		return
	}
	if data, err := json.Marshal(rec); err == nil {
		c.redisClient.Set(ctx, finalCacheKey(rec.OrderID), data, 10*time.Minute)
	}
}
