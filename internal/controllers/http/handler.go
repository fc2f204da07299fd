package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"payment-relay/internal/domain"
	"payment-relay/internal/services"
)

// SettlementService is the slice of the coordinator the HTTP layer needs.
type SettlementService interface {
	Settle(ctx context.Context, req services.SettleRequest) (*domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
}

type Handler struct {
	service SettlementService
	policy  services.RetryPolicy
	logger  *zap.Logger
}

func NewHandler(service SettlementService, policy services.RetryPolicy, logger *zap.Logger) *Handler {
	return &Handler{service: service, policy: policy, logger: logger}
}

func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.POST("/settle", h.Settle)
	r.GET("/orders/:orderId", h.GetOrder)
}

// Settle drives one settlement attempt. Replays of an already finalized order
// return the stored outcome without contacting the payment processor, so
// clients can resubmit the same order id freely.
func (h *Handler) Settle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.service.Settle(c.Request.Context(), services.SettleRequest{
		OrderID:     req.OrderID,
		UserID:      req.UserID,
		Amount:      req.Amount,
		FeatureID:   req.FeatureID,
		ArtifactRef: req.ArtifactRef,
	})
	if err != nil {
		h.settleError(c, req, rec, err)
		return
	}

	c.JSON(http.StatusOK, SettleResponse{
		Status:      string(rec.Status),
		Receipt:     receiptPayload(rec.Receipt),
		ArtifactRef: rec.ArtifactRef,
	})
}

func (h *Handler) GetOrder(c *gin.Context) {
	orderID := c.Param("orderId")

	rec, err := h.service.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		if errors.Is(err, services.ErrOrderNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		h.logger.Error("get order failed", zap.String("order_id", orderID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, orderResponse(rec))
}

// settleError translates coordinator failures into responses. Retryable
// failures carry the policy delay for the caller's attempt counter; terminal
// ones report the stored reason so the caller stops resubmitting.
func (h *Handler) settleError(c *gin.Context, req SettleRequest, rec *domain.Order, err error) {
	var integrity *domain.IntegrityError
	if errors.As(err, &integrity) {
		c.JSON(http.StatusConflict, gin.H{
			"error": fmt.Sprintf("order %s already exists with a different %s", integrity.OrderID, integrity.Field),
		})
		return
	}

	var rejected *domain.RejectedError
	if errors.As(err, &rejected) {
		resp := SettleResponse{
			Status:    string(domain.StatusFailedTerminal),
			Retryable: false,
			Message:   rejected.Reason,
		}
		if rec != nil {
			resp.Status = string(rec.Status)
		}
		c.JSON(http.StatusPaymentRequired, resp)
		return
	}

	if errors.Is(err, domain.ErrBusy) {
		// Another settler holds the record; it resolves in milliseconds, so
		// the caller retries immediately rather than waiting out the policy.
		c.Header("Retry-After", "0")
		c.JSON(http.StatusServiceUnavailable, SettleResponse{
			Status:    string(domain.StatusCharging),
			Retryable: true,
			Message:   "settlement in progress, retry immediately",
		})
		return
	}

	if errors.Is(err, domain.ErrUnavailable) {
		attempt := req.Attempt
		if attempt < 1 {
			attempt = 1
		}
		delay := h.policy.Delay(attempt)
		resp := SettleResponse{
			Status:       string(domain.StatusFailedRetryable),
			Retryable:    true,
			RetryAfterMS: delay.Milliseconds(),
			Message:      "payment processor unavailable",
		}
		if h.policy.Exhausted(attempt) {
			resp.PromptUser = true
			resp.Message = "payment processor unavailable, automatic retries exhausted"
		}
		c.Header("Retry-After", fmt.Sprintf("%d", int(delay.Seconds())))
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}

	h.logger.Error("settle failed", zap.String("order_id", req.OrderID), zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
