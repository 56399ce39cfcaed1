package recovery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Themath93/stock-manager-sub000/internal/gateway"
	"github.com/Themath93/stock-manager-sub000/internal/orders"
	"github.com/Themath93/stock-manager-sub000/internal/types"
)

type fakeGateway struct {
	submitOutcome gateway.SubmitOutcome
	submitSeq     int
	openOrders    []gateway.BrokerOrder
	statusByID    map[string]*gateway.BrokerOrder
	fills         map[string][]gateway.BrokerFill
	positions     []gateway.BrokerPosition

	mu      sync.Mutex
	downErr error
}

func (f *fakeGateway) setDown(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.downErr = err
}

func (f *fakeGateway) down() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downErr
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		submitOutcome: gateway.OutcomeConfirmed,
		statusByID:    make(map[string]*gateway.BrokerOrder),
		fills:         make(map[string][]gateway.BrokerFill),
	}
}

func (f *fakeGateway) Submit(ctx context.Context, req gateway.SubmitRequest) gateway.SubmitResult {
	f.submitSeq++
	if f.submitOutcome != gateway.OutcomeConfirmed {
		return gateway.SubmitResult{Outcome: f.submitOutcome, Err: fmt.Errorf("submit failed")}
	}
	return gateway.SubmitResult{
		Outcome:       gateway.OutcomeConfirmed,
		BrokerOrderID: fmt.Sprintf("BRK-%d", f.submitSeq),
	}
}

func (f *fakeGateway) Cancel(ctx context.Context, brokerOrderID string) error { return nil }

func (f *fakeGateway) OpenOrders(ctx context.Context, accountID string) ([]gateway.BrokerOrder, error) {
	if err := f.down(); err != nil {
		return nil, err
	}
	return f.openOrders, nil
}

func (f *fakeGateway) OrderStatus(ctx context.Context, brokerOrderID string) (*gateway.BrokerOrder, error) {
	bo, ok := f.statusByID[brokerOrderID]
	if !ok {
		return nil, gateway.ErrOrderUnknown
	}
	return bo, nil
}

func (f *fakeGateway) Fills(ctx context.Context, brokerOrderID string) ([]gateway.BrokerFill, error) {
	return f.fills[brokerOrderID], nil
}

func (f *fakeGateway) Positions(ctx context.Context, accountID string) ([]gateway.BrokerPosition, error) {
	if err := f.down(); err != nil {
		return nil, err
	}
	return f.positions, nil
}

func newTestRecovery(t *testing.T) (*Service, *orders.Service, *fakeGateway) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:?cache=shared&_busy_timeout=5000"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&types.Order{}, &types.Fill{}, &RecoveryRecord{}))
	t.Cleanup(func() {
		db.Exec("DELETE FROM fills")
		db.Exec("DELETE FROM orders")
		db.Exec("DELETE FROM recovery_records")
	})
	gw := newFakeGateway()
	orderService := orders.NewService(db, gw)
	return NewService(db, orderService, gw), orderService, gw
}

func sendConfirmedOrder(t *testing.T, svc *orders.Service, key, symbol string) *types.Order {
	t.Helper()
	ctx := context.Background()
	order, err := svc.Create(ctx, orders.CreateRequest{
		IdempotencyKey: key,
		Symbol:         symbol,
		Side:           types.SideBuy,
		Quantity:       10,
		Price:          100,
	})
	require.NoError(t, err)
	sent, err := svc.Send(ctx, order.OrderID)
	require.NoError(t, err)
	return sent
}

func TestRunRepairsBrokerSideTerminalOrders(t *testing.T) {
	recoverySvc, orderSvc, gw := newTestRecovery(t)
	ctx := context.Background()

	order := sendConfirmedOrder(t, orderSvc, "r1", "AAA")
	gw.statusByID[order.BrokerOrderID] = &gateway.BrokerOrder{
		BrokerOrderID: order.BrokerOrderID,
		Symbol:        "AAA",
		Status:        types.OrderStatusFilled,
	}
	gw.fills[order.BrokerOrderID] = []gateway.BrokerFill{
		{BrokerFillID: "rf-1", Quantity: 10, Price: 100},
	}

	require.NoError(t, recoverySvc.Run(ctx, "acct-1"))

	after, err := orderSvc.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, after.Status)
	assert.EqualValues(t, 10, after.FilledQuantity)

	records, err := recoverySvc.Records(ctx, 10)
	require.NoError(t, err)
	require.NotEmpty(t, records)
	assert.Equal(t, KindLocalBehindBroker, records[0].Kind)
}

func TestRunFlagsOrderUnknownToBroker(t *testing.T) {
	recoverySvc, orderSvc, gw := newTestRecovery(t)
	ctx := context.Background()

	order := sendConfirmedOrder(t, orderSvc, "r2", "AAA")
	// Broker has no record of it at all: no status, not in open list.
	_ = order

	require.NoError(t, recoverySvc.Run(ctx, "acct-1"))

	count, err := recoverySvc.db.CountByKind(KindBrokerUnknownOrder)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	// Do not guess: the local order stays SENT for an operator to resolve.
	after, err := orderSvc.Get(ctx, order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusSent, after.Status)
	_ = gw
}

func TestRunFlagsOrphanPositions(t *testing.T) {
	recoverySvc, orderSvc, gw := newTestRecovery(t)
	ctx := context.Background()

	// Local history exists for AAA but not for MYSTERY.
	order := sendConfirmedOrder(t, orderSvc, "r3", "AAA")
	gw.openOrders = []gateway.BrokerOrder{
		{BrokerOrderID: order.BrokerOrderID, Symbol: "AAA", Status: types.OrderStatusSent},
	}
	gw.positions = []gateway.BrokerPosition{
		{Symbol: "AAA", Quantity: 10, AvgPrice: 100},
		{Symbol: "MYSTERY", Quantity: 30, AvgPrice: 5},
	}

	require.NoError(t, recoverySvc.Run(ctx, "acct-1"))

	count, err := recoverySvc.db.CountByKind(KindOrphanPosition)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	records, err := recoverySvc.Records(ctx, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "MYSTERY", records[0].Symbol)
}

func TestRunFailsClosedWhenGatewayDown(t *testing.T) {
	recoverySvc, _, gw := newTestRecovery(t)
	ctx := context.Background()
	gw.setDown(fmt.Errorf("gateway unreachable"))

	err := recoverySvc.Run(ctx, "acct-1")
	require.Error(t, err)
}

func TestRunUntilReadyRetriesThenSucceeds(t *testing.T) {
	recoverySvc, _, gw := newTestRecovery(t)
	ctx := context.Background()
	gw.setDown(fmt.Errorf("gateway unreachable"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		gw.setDown(nil)
	}()

	err := recoverySvc.RunUntilReady(ctx, "acct-1", 10*time.Millisecond)
	require.NoError(t, err)
}

func TestRunUntilReadyStopsOnCancel(t *testing.T) {
	recoverySvc, _, gw := newTestRecovery(t)
	gw.setDown(fmt.Errorf("gateway unreachable"))

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	err := recoverySvc.RunUntilReady(ctx, "acct-1", 10*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
