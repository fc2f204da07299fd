package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"payment-relay/internal/domain"
)

type chargeRequest struct {
	OrderID string `json:"orderId"`
	Amount  int64  `json:"amount"`
	UserID  string `json:"userId"`
}

type declineResponse struct {
	Reason string `json:"reason"`
}

// ProcessorClient talks to the external payment processor over HTTP. The
// order identifier rides in the Idempotency-Key header; the processor dedups
// on it and replays the original outcome for duplicate tokens.
type ProcessorClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewProcessorClient(baseURL string, timeout time.Duration) *ProcessorClient {
	return &ProcessorClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *ProcessorClient) Charge(ctx context.Context, orderID string, amount int64, userID string) (*domain.Receipt, error) {
	body, err := json.Marshal(chargeRequest{OrderID: orderID, Amount: amount, UserID: userID})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/charges", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", orderID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Transport faults and timeouts are indistinguishable from a charge
		// that landed; only the dedup token makes the retry safe.
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		var r domain.Receipt
		if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
			return nil, fmt.Errorf("%w: decoding receipt: %v", domain.ErrUnavailable, err)
		}
		return &r, nil

	case resp.StatusCode == http.StatusPaymentRequired || resp.StatusCode == http.StatusUnprocessableEntity:
		var d declineResponse
		if err := json.NewDecoder(resp.Body).Decode(&d); err != nil || d.Reason == "" {
			d.Reason = "payment declined"
		}
		return nil, &domain.RejectedError{Reason: d.Reason}

	default:
		return nil, fmt.Errorf("%w: processor returned status %d", domain.ErrUnavailable, resp.StatusCode)
	}
}
