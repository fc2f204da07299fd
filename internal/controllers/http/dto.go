package http

import (
	"time"

	"payment-relay/internal/domain"
)

// SettleRequest is the single inbound request type. Attempt is the caller's
// retry counter; it feeds the retry policy so the response can carry the next
// delay and the automatic-versus-prompted retry decision.
type SettleRequest struct {
	OrderID     string `json:"orderId" binding:"required"`
	UserID      string `json:"userId" binding:"required"`
	Amount      int64  `json:"amount" binding:"required,min=1"`
	FeatureID   string `json:"featureId" binding:"required"`
	ArtifactRef string `json:"artifactRef" binding:"required"`
	Attempt     int    `json:"attempt,omitempty"`
}

type ReceiptPayload struct {
	TransactionID string    `json:"transactionId"`
	Amount        int64     `json:"amount"`
	ChargedAt     time.Time `json:"chargedAt"`
}

type SettleResponse struct {
	Status      string          `json:"status"`
	Receipt     *ReceiptPayload `json:"receipt,omitempty"`
	ArtifactRef string          `json:"artifactRef,omitempty"`
	Retryable   bool            `json:"retryable"`
	// RetryAfterMS is the policy delay before the next attempt, present only
	// on retryable failures.
	RetryAfterMS int64 `json:"retryAfterMs,omitempty"`
	// PromptUser flips when automatic retries are exhausted and the caller
	// should surface a retry prompt instead of resubmitting silently.
	PromptUser bool   `json:"promptUser,omitempty"`
	Message    string `json:"message,omitempty"`
}

type OrderResponse struct {
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	Amount        int64           `json:"amount"`
	FeatureID     string          `json:"featureId"`
	Status        string          `json:"status"`
	Receipt       *ReceiptPayload `json:"receipt,omitempty"`
	ArtifactRef   string          `json:"artifactRef,omitempty"`
	FailureReason string          `json:"failureReason,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func receiptPayload(r *domain.Receipt) *ReceiptPayload {
	if r == nil {
		return nil
	}
	return &ReceiptPayload{
		TransactionID: r.TransactionID,
		Amount:        r.Amount,
		ChargedAt:     r.ChargedAt,
	}
}

// orderResponse maps a record to the outbound shape. The artifact reference
// is releasable only once the order is paid.
func orderResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		OrderID:       o.OrderID,
		UserID:        o.UserID,
		Amount:        o.Amount,
		FeatureID:     o.FeatureID,
		Status:        string(o.Status),
		FailureReason: o.FailureReason,
		CreatedAt:     o.CreatedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.Status == domain.StatusPaid {
		resp.Receipt = receiptPayload(o.Receipt)
		resp.ArtifactRef = o.ArtifactRef
	}
	return resp
}
