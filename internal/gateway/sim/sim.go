package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Themath93/stock-manager-sub000/internal/gateway"
	"github.com/Themath93/stock-manager-sub000/internal/types"
)

// Broker is an in-memory brokerage used by the fleet simulation and tests.
// It models latency, partial fills, outright rejections and (when
// configured) ambiguous submit outcomes, the failure mode the coordination
// layer exists to survive.
type Broker struct {
	MinLatency    time.Duration
	MaxLatency    time.Duration
	RejectRate    float64 // 0-1, probability a submit is rejected outright
	AmbiguousRate float64 // 0-1, probability a submit returns OutcomeUnknown
	PartialChance float64 // 0-1, probability an order fills in two tranches

	mu        sync.Mutex
	seq       int
	orders    map[string]*brokerOrder
	prices    map[string]float64
	positions map[string]float64
}

type brokerOrder struct {
	gateway.BrokerOrder
	fills []gateway.BrokerFill
}

func NewBroker() *Broker {
	return &Broker{
		MinLatency:    time.Millisecond,
		MaxLatency:    5 * time.Millisecond,
		PartialChance: 0.3,
		orders:        make(map[string]*brokerOrder),
		prices:        make(map[string]float64),
		positions:     make(map[string]float64),
	}
}

// SeedPrice sets the starting price for a symbol's random walk.
func (b *Broker) SeedPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SeedPosition plants an out-of-band position, for exercising recovery.
func (b *Broker) SeedPosition(symbol string, qty float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[symbol] = qty
}

func (b *Broker) simulateLatency() {
	if b.MaxLatency <= b.MinLatency {
		return
	}
	time.Sleep(b.MinLatency + time.Duration(rand.Int63n(int64(b.MaxLatency-b.MinLatency))))
}

// Submit accepts, rejects or ambiguously swallows an order. On the ambiguous
// path the order IS booked broker-side under the client order ID, which is
// exactly the divergence reconciliation has to detect.
func (b *Broker) Submit(ctx context.Context, req gateway.SubmitRequest) gateway.SubmitResult {
	if err := ctx.Err(); err != nil {
		return gateway.SubmitResult{Outcome: gateway.OutcomeNotSent, Err: err}
	}
	b.simulateLatency()

	b.mu.Lock()
	defer b.mu.Unlock()

	roll := rand.Float64()
	if roll < b.RejectRate {
		return gateway.SubmitResult{
			Outcome: gateway.OutcomeNotSent,
			Err:     fmt.Errorf("broker rejected connection for %s", req.Symbol),
		}
	}

	b.seq++
	brokerOrderID := fmt.Sprintf("SIM-%06d", b.seq)
	order := &brokerOrder{
		BrokerOrder: gateway.BrokerOrder{
			BrokerOrderID: brokerOrderID,
			ClientOrderID: req.ClientOrderID,
			Symbol:        req.Symbol,
			Side:          req.Side,
			Quantity:      req.Quantity,
			Status:        types.OrderStatusSent,
		},
	}
	b.orders[brokerOrderID] = order
	b.fill(order, req.Price)

	if roll < b.RejectRate+b.AmbiguousRate {
		log.Debug().Str("broker_order_id", brokerOrderID).Msg("sim broker swallowing submit response")
		return gateway.SubmitResult{
			Outcome: gateway.OutcomeUnknown,
			Err:     fmt.Errorf("timed out waiting for submit response"),
		}
	}
	return gateway.SubmitResult{Outcome: gateway.OutcomeConfirmed, BrokerOrderID: brokerOrderID}
}

// fill books one or two fill tranches immediately. Held with b.mu.
func (b *Broker) fill(order *brokerOrder, limitPrice float64) {
	price := b.prices[order.Symbol]
	if price == 0 {
		price = limitPrice
	}
	if price == 0 {
		price = 100
	}

	tranches := []float64{order.Quantity}
	if rand.Float64() < b.PartialChance && order.Quantity > 1 {
		first := float64(int(order.Quantity / 2))
		if first <= 0 {
			first = order.Quantity / 2
		}
		tranches = []float64{first, order.Quantity - first}
	}

	for _, qty := range tranches {
		b.seq++
		order.fills = append(order.fills, gateway.BrokerFill{
			BrokerFillID: fmt.Sprintf("SIMF-%06d", b.seq),
			Quantity:     qty,
			Price:        price * (1 + (rand.Float64()*0.004 - 0.002)),
			ExecutedAt:   time.Now(),
		})
	}
	order.FilledQuantity = order.Quantity
	order.Status = types.OrderStatusFilled

	if order.Side == types.SideBuy {
		b.positions[order.Symbol] += order.Quantity
	} else {
		b.positions[order.Symbol] -= order.Quantity
		if b.positions[order.Symbol] <= 0 {
			delete(b.positions, order.Symbol)
		}
	}
}

func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.simulateLatency()

	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return gateway.ErrOrderUnknown
	}
	if order.Status == types.OrderStatusSent || order.Status == types.OrderStatusPartial {
		order.Status = types.OrderStatusCanceled
	}
	return nil
}

func (b *Broker) OpenOrders(ctx context.Context, accountID string) ([]gateway.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var open []gateway.BrokerOrder
	for _, order := range b.orders {
		if order.Status == types.OrderStatusSent || order.Status == types.OrderStatusPartial {
			open = append(open, order.BrokerOrder)
		}
	}
	return open, nil
}

func (b *Broker) OrderStatus(ctx context.Context, brokerOrderID string) (*gateway.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, gateway.ErrOrderUnknown
	}
	view := order.BrokerOrder
	return &view, nil
}

func (b *Broker) Fills(ctx context.Context, brokerOrderID string) ([]gateway.BrokerFill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, gateway.ErrOrderUnknown
	}
	out := make([]gateway.BrokerFill, len(order.fills))
	copy(out, order.fills)
	return out, nil
}

func (b *Broker) Positions(ctx context.Context, accountID string) ([]gateway.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []gateway.BrokerPosition
	for symbol, qty := range b.positions {
		out = append(out, gateway.BrokerPosition{Symbol: symbol, Quantity: qty, AvgPrice: b.prices[symbol]})
	}
	return out, nil
}

// Quote walks the symbol's price randomly within ±0.5% per call.
func (b *Broker) Quote(ctx context.Context, symbol string) (*gateway.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[symbol]
	if !ok {
		price = 100
	}
	price *= 1 + (rand.Float64()*0.01 - 0.005)
	b.prices[symbol] = price
	return &gateway.Quote{Symbol: symbol, Price: price, At: time.Now()}, nil
}
