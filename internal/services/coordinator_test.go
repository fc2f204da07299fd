package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"payment-relay/internal/domain"
	"payment-relay/internal/mocks"
	"payment-relay/internal/repository"
	boltstore "payment-relay/internal/repository/bolt"
)

var noReceipt = (*domain.Receipt)(nil)

func TestCoordinator_Settle(t *testing.T) {
	receipt := &domain.Receipt{TransactionID: "txn-1", Amount: TestAmount, ChargedAt: time.Now().UTC()}

	tests := []struct {
		name          string
		request       func() SettleRequest
		setupMocks    func(*mocks.MockIdempotencyStore, *mocks.MockPaymentGateway, *mocks.MockPublisher)
		wantStatus    domain.OrderStatus
		wantTxn       string
		wantErr       error
		wantIntegrity bool
		wantRejected  bool
		noGatewayCall bool
	}{
		{
			name:    "fresh order charges and settles paid",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedOrder(domain.StatusPending), true, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
					Return(nil)
				gw.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).Return(receipt, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusPaid, receipt, "").
					Return(nil)
				pub.On("Publish", mock.Anything, "order.pending", mock.Anything).Return(nil)
				pub.On("Publish", mock.Anything, "order.charging", mock.Anything).Return(nil)
				pub.On("Publish", mock.Anything, "order.paid", mock.Anything).Return(nil)
			},
			wantStatus: domain.StatusPaid,
			wantTxn:    "txn-1",
		},
		{
			name:    "replay of paid order returns cached receipt without charging",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedPaidOrder(receipt), false, nil)
			},
			wantStatus:    domain.StatusPaid,
			wantTxn:       "txn-1",
			noGatewayCall: true,
		},
		{
			name: "amount mismatch on known order is an integrity violation",
			request: func() SettleRequest {
				req := testSettleRequest()
				req.Amount = 100
				return req
			},
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedPaidOrder(receipt), false, nil)
			},
			wantIntegrity: true,
			noGatewayCall: true,
		},
		{
			name: "feature mismatch on known order is an integrity violation",
			request: func() SettleRequest {
				req := testSettleRequest()
				req.FeatureID = "feature-other"
				return req
			},
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedOrder(domain.StatusPending), false, nil)
			},
			wantIntegrity: true,
			noGatewayCall: true,
		},
		{
			name:    "processor decline parks order terminally",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				terminal := storedOrder(domain.StatusFailedTerminal)
				terminal.FailureReason = "insufficient funds"
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedOrder(domain.StatusPending), true, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
					Return(nil)
				gw.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).
					Return(nil, &domain.RejectedError{Reason: "insufficient funds"})
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusFailedTerminal, noReceipt, "insufficient funds").
					Return(nil)
				store.On("Get", mock.Anything, TestOrderID).Return(terminal, nil)
				pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			},
			wantStatus:   domain.StatusFailedTerminal,
			wantRejected: true,
		},
		{
			name:    "replay of terminal order returns failure without charging",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				terminal := storedOrder(domain.StatusFailedTerminal)
				terminal.FailureReason = "insufficient funds"
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(terminal, false, nil)
			},
			wantStatus:    domain.StatusFailedTerminal,
			wantRejected:  true,
			noGatewayCall: true,
		},
		{
			name:    "gateway outage parks order retryable",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedOrder(domain.StatusPending), true, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
					Return(nil)
				gw.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).
					Return(nil, domain.ErrUnavailable)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusFailedRetryable, noReceipt, "").
					Return(nil)
				pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			},
			wantErr: domain.ErrUnavailable,
		},
		{
			name:    "retryable order re-enters the charge path",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedOrder(domain.StatusFailedRetryable), false, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusFailedRetryable, domain.StatusCharging, noReceipt, "").
					Return(nil)
				gw.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).Return(receipt, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusPaid, receipt, "").
					Return(nil)
				pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			},
			wantStatus: domain.StatusPaid,
			wantTxn:    "txn-1",
		},
		{
			name:    "abandoned charging record is re-driven with the same token",
			request: testSettleRequest,
			setupMocks: func(store *mocks.MockIdempotencyStore, gw *mocks.MockPaymentGateway, pub *mocks.MockPublisher) {
				store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
					Return(storedOrder(domain.StatusCharging), false, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusCharging, noReceipt, "").
					Return(nil)
				gw.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).Return(receipt, nil)
				store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusPaid, receipt, "").
					Return(nil)
				pub.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)
			},
			wantStatus: domain.StatusPaid,
			wantTxn:    "txn-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := new(mocks.MockIdempotencyStore)
			gateway := new(mocks.MockPaymentGateway)
			publisher := new(mocks.MockPublisher)
			tt.setupMocks(store, gateway, publisher)

			coordinator := newTestCoordinator(store, gateway, publisher)
			order, err := coordinator.Settle(context.Background(), tt.request())

			switch {
			case tt.wantIntegrity:
				var integrity *domain.IntegrityError
				require.ErrorAs(t, err, &integrity)
				assert.Nil(t, order)
			case tt.wantRejected:
				var rejected *domain.RejectedError
				require.ErrorAs(t, err, &rejected)
				assert.Equal(t, "insufficient funds", rejected.Reason)
				require.NotNil(t, order)
				assert.Equal(t, tt.wantStatus, order.Status)
			case tt.wantErr != nil:
				require.ErrorIs(t, err, tt.wantErr)
			default:
				require.NoError(t, err)
				require.NotNil(t, order)
				assert.Equal(t, tt.wantStatus, order.Status)
				require.NotNil(t, order.Receipt)
				assert.Equal(t, tt.wantTxn, order.Receipt.TransactionID)
			}

			if tt.noGatewayCall {
				gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
			}
			store.AssertExpectations(t)
			gateway.AssertExpectations(t)
		})
	}
}

func TestCoordinator_Settle_BusyAfterLosingRaces(t *testing.T) {
	store := new(mocks.MockIdempotencyStore)
	gateway := new(mocks.MockPaymentGateway)
	publisher := new(mocks.MockPublisher)

	store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
		Return(storedOrder(domain.StatusPending), false, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
		Return(repository.ErrConflict)

	coordinator := newTestCoordinator(store, gateway, publisher)
	order, err := coordinator.Settle(context.Background(), testSettleRequest())

	assert.ErrorIs(t, err, domain.ErrBusy)
	assert.Nil(t, order)
	gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	// One read-and-restart per allowed restart, then busy.
	store.AssertNumberOfCalls(t, "CreateIfAbsent", fastTestConfig().MaxRestarts+1)
}

func TestCoordinator_Settle_FirstWriterWinsOnFinalizeRace(t *testing.T) {
	store := new(mocks.MockIdempotencyStore)
	gateway := new(mocks.MockPaymentGateway)
	publisher := new(mocks.MockPublisher)

	firstReceipt := &domain.Receipt{TransactionID: "txn-first", Amount: TestAmount}
	ourReceipt := &domain.Receipt{TransactionID: "txn-second", Amount: TestAmount}

	store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
		Return(storedOrder(domain.StatusPending), true, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
		Return(nil)
	gateway.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).Return(ourReceipt, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusPaid, ourReceipt, "").
		Return(repository.ErrConflict)
	store.On("Get", mock.Anything, TestOrderID).Return(storedPaidOrder(firstReceipt), nil)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	coordinator := newTestCoordinator(store, gateway, publisher)
	order, err := coordinator.Settle(context.Background(), testSettleRequest())

	require.NoError(t, err)
	require.NotNil(t, order)
	require.NotNil(t, order.Receipt)
	// The first writer's receipt is the only one ever surfaced.
	assert.Equal(t, "txn-first", order.Receipt.TransactionID)
}

func TestCoordinator_Settle_StoreFaultsRetriedThenUnavailable(t *testing.T) {
	store := new(mocks.MockIdempotencyStore)
	gateway := new(mocks.MockPaymentGateway)
	publisher := new(mocks.MockPublisher)

	store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
		Return(nil, false, errors.New("connection reset"))

	coordinator := newTestCoordinator(store, gateway, publisher)
	order, err := coordinator.Settle(context.Background(), testSettleRequest())

	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Nil(t, order)
	store.AssertNumberOfCalls(t, "CreateIfAbsent", fastTestConfig().StoreAttempts)
	gateway.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCoordinator_Settle_StoreFaultRecoversWithinBudget(t *testing.T) {
	store := new(mocks.MockIdempotencyStore)
	gateway := new(mocks.MockPaymentGateway)
	publisher := new(mocks.MockPublisher)

	receipt := &domain.Receipt{TransactionID: "txn-1", Amount: TestAmount}

	store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
		Return(nil, false, errors.New("connection reset")).Once()
	store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
		Return(storedOrder(domain.StatusPending), true, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
		Return(nil)
	gateway.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).Return(receipt, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusPaid, receipt, "").
		Return(nil)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	coordinator := newTestCoordinator(store, gateway, publisher)
	order, err := coordinator.Settle(context.Background(), testSettleRequest())

	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, order.Status)
}

func TestCoordinator_Settle_EmitsOneEventPerTransition(t *testing.T) {
	store := new(mocks.MockIdempotencyStore)
	gateway := new(mocks.MockPaymentGateway)
	publisher := new(mocks.MockPublisher)

	receipt := &domain.Receipt{TransactionID: "txn-1", Amount: TestAmount}

	store.On("CreateIfAbsent", mock.Anything, mock.AnythingOfType("*domain.Order")).
		Return(storedOrder(domain.StatusPending), true, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusPending, domain.StatusCharging, noReceipt, "").
		Return(nil)
	gateway.On("Charge", mock.Anything, TestOrderID, TestAmount, TestUserID).Return(receipt, nil)
	store.On("Transition", mock.Anything, TestOrderID, domain.StatusCharging, domain.StatusPaid, receipt, "").
		Return(nil)
	publisher.On("Publish", mock.Anything, "order.pending", mock.Anything).Return(nil).Once()
	publisher.On("Publish", mock.Anything, "order.charging", mock.Anything).Return(nil).Once()
	publisher.On("Publish", mock.Anything, "order.paid", mock.Anything).Return(nil).Once()

	coordinator := newTestCoordinator(store, gateway, publisher)
	_, err := coordinator.Settle(context.Background(), testSettleRequest())

	require.NoError(t, err)
	publisher.AssertExpectations(t)
}

// flakyGateway fails a fixed number of charge calls before succeeding.
type flakyGateway struct {
	failures int
	calls    int
}

func (g *flakyGateway) Charge(ctx context.Context, orderID string, amount int64, userID string) (*domain.Receipt, error) {
	g.calls++
	if g.calls <= g.failures {
		return nil, domain.ErrUnavailable
	}
	return &domain.Receipt{TransactionID: "txn-" + orderID, Amount: amount, ChargedAt: time.Now().UTC()}, nil
}

func TestCoordinator_Settle_RecoversAcrossOutages(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer store.Close()

	gateway := &flakyGateway{failures: 2}
	publisher := new(mocks.MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	coordinator := NewCoordinator(fastTestConfig(), store, gateway, publisher, zap.NewNop())

	// Two outages park the record retryable each time.
	for i := 0; i < 2; i++ {
		order, err := coordinator.Settle(context.Background(), testSettleRequest())
		require.ErrorIs(t, err, domain.ErrUnavailable)
		assert.Nil(t, order)

		rec, gerr := store.Get(context.Background(), TestOrderID)
		require.NoError(t, gerr)
		assert.Equal(t, domain.StatusFailedRetryable, rec.Status)
	}

	// The third attempt, with the identical identifier, settles paid.
	order, err := coordinator.Settle(context.Background(), testSettleRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, order.Status)
	require.NotNil(t, order.Receipt)
	assert.Equal(t, "txn-"+TestOrderID, order.Receipt.TransactionID)
	assert.Equal(t, 3, gateway.calls)
}

// dedupGateway mimics the external processor's dedup-token guarantee: any
// number of calls per token, exactly one economic charge, and the original
// receipt replayed on duplicates. A small delay widens the race window.
type dedupGateway struct {
	mu       sync.Mutex
	receipts map[string]*domain.Receipt

	calls   atomic.Int64
	charges atomic.Int64
	delay   time.Duration
}

func (g *dedupGateway) Charge(ctx context.Context, orderID string, amount int64, userID string) (*domain.Receipt, error) {
	g.calls.Add(1)
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.receipts[orderID]; ok {
		return r, nil
	}
	g.charges.Add(1)
	r := &domain.Receipt{TransactionID: "txn-" + orderID, Amount: amount, ChargedAt: time.Now().UTC()}
	if g.receipts == nil {
		g.receipts = map[string]*domain.Receipt{}
	}
	g.receipts[orderID] = r
	return r, nil
}

func TestCoordinator_ConcurrentSettlersOneEconomicCharge(t *testing.T) {
	store, err := boltstore.Open(filepath.Join(t.TempDir(), "orders.db"))
	require.NoError(t, err)
	defer store.Close()

	gateway := &dedupGateway{delay: 20 * time.Millisecond}
	publisher := new(mocks.MockPublisher)
	publisher.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return(nil)

	coordinator := NewCoordinator(fastTestConfig(), store, gateway, publisher, zap.NewNop())

	const settlers = 8
	var wg sync.WaitGroup
	var paid atomic.Int64
	var busy atomic.Int64

	for i := 0; i < settlers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := coordinator.Settle(context.Background(), testSettleRequest())
			switch {
			case err == nil && order.Status == domain.StatusPaid:
				// Everyone who settles sees the one canonical receipt.
				assert.Equal(t, "txn-"+TestOrderID, order.Receipt.TransactionID)
				paid.Add(1)
			case errors.Is(err, domain.ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected settle outcome: order=%v err=%v", order, err)
			}
		}()
	}
	wg.Wait()

	// Settlers may race into the gateway, but the dedup token bounds the
	// economic effect to exactly one charge.
	assert.Equal(t, int64(1), gateway.charges.Load())
	assert.GreaterOrEqual(t, paid.Load(), int64(1))
	assert.Equal(t, int64(settlers), paid.Load()+busy.Load())

	final, err := store.Get(context.Background(), TestOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, final.Status)
	require.NotNil(t, final.Receipt)
	assert.Equal(t, "txn-"+TestOrderID, final.Receipt.TransactionID)

	// Replays after settlement stay free of gateway traffic.
	before := gateway.calls.Load()
	order, err := coordinator.Settle(context.Background(), testSettleRequest())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, order.Status)
	assert.Equal(t, before, gateway.calls.Load())
}
