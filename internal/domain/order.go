package domain

import "time"

type OrderStatus string

const (
	StatusPending         OrderStatus = "pending"
	StatusCharging        OrderStatus = "charging"
	StatusPaid            OrderStatus = "paid"
	StatusFailedRetryable OrderStatus = "failed_retryable"
	StatusFailedTerminal  OrderStatus = "failed_terminal"
)

// Final reports whether the status is absorbing. Once an order reaches a
// final status no further gateway calls are made for its identifier.
func (s OrderStatus) Final() bool {
	return s == StatusPaid || s == StatusFailedTerminal
}

// Receipt is the processor's settlement result. It is written exactly once,
// when an order first transitions to paid, and never mutated afterwards.
type Receipt struct {
	TransactionID string    `json:"transactionId"`
	Amount        int64     `json:"amount"`
	ChargedAt     time.Time `json:"chargedAt"`
}

// Order is one attempted purchase of one generated artifact. OrderID is
// caller-generated and stable across retries; it doubles as the dedup token
// passed to the payment processor.
type Order struct {
	OrderID       string      `json:"orderId" gorm:"primaryKey;size:64"`
	UserID        string      `json:"userId" gorm:"size:64;not null;index"`
	Amount        int64       `json:"amount" gorm:"not null"`
	FeatureID     string      `json:"featureId" gorm:"size:64;not null"`
	ArtifactRef   string      `json:"artifactRef" gorm:"size:255;not null"`
	Status        OrderStatus `json:"status" gorm:"type:enum('pending','charging','paid','failed_retryable','failed_terminal');default:'pending';index"`
	Receipt       *Receipt    `json:"receipt,omitempty" gorm:"serializer:json"`
	FailureReason string      `json:"failureReason,omitempty" gorm:"size:255"`
	CreatedAt     time.Time   `json:"createdAt" gorm:"autoCreateTime"`
	UpdatedAt     time.Time   `json:"updatedAt" gorm:"autoUpdateTime;index"`
	ExpiresAt     time.Time   `json:"expiresAt"`
}
