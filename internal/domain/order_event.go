package domain

import "time"

// OrderTransitionEvent is emitted once per successful status transition.
type OrderTransitionEvent struct {
	OrderID   string      `json:"orderId"`
	Status    OrderStatus `json:"status"`
	Amount    int64       `json:"amount"`
	Timestamp time.Time   `json:"timestamp"`
}

// AtRiskReport describes an order stuck in an intermediate status beyond the
// abandonment threshold. Reports are informational; the record itself is
// never mutated by the reconciler.
type AtRiskReport struct {
	OrderID    string      `json:"orderId"`
	Status     OrderStatus `json:"status"`
	Amount     int64       `json:"amount"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	StuckSince time.Time   `json:"stuckSince"`
}
