package gateway

import (
	"context"
	"errors"
	"time"
)

var (
	ErrOrderUnknown = errors.New("broker does not know this order")
	ErrUnavailable  = errors.New("gateway unavailable")
)

// SubmitOutcome tags what we know about an order submission after the call
// returns. Only Unknown routes to reconciliation; NotSent is safe to retry.
type SubmitOutcome int

const (
	OutcomeConfirmed SubmitOutcome = iota // broker acknowledged, broker order ID assigned
	OutcomeNotSent                        // broker definitely never received the order
	OutcomeUnknown                        // ambiguous: the order may or may not exist broker-side
)

func (o SubmitOutcome) String() string {
	switch o {
	case OutcomeConfirmed:
		return "CONFIRMED"
	case OutcomeNotSent:
		return "NOT_SENT"
	case OutcomeUnknown:
		return "UNKNOWN"
	}
	return "INVALID"
}

// SubmitResult carries the submit outcome alongside the broker order ID
// (set only when Outcome is OutcomeConfirmed).
type SubmitResult struct {
	Outcome       SubmitOutcome
	BrokerOrderID string
	Err           error
}

// SubmitRequest is the broker-facing projection of a local order. The client
// order ID is the local idempotency key so that an ambiguous submit can later
// be matched against the broker's open-order list.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          string
	Quantity      float64
	Price         float64 // 0 for market
}

// BrokerOrder is the broker's view of an order during reconciliation.
type BrokerOrder struct {
	BrokerOrderID  string
	ClientOrderID  string
	Symbol         string
	Side           string
	Quantity       float64
	FilledQuantity float64
	Status         string // SENT, PARTIAL, FILLED, CANCELED or REJECTED
}

// BrokerFill is a fill event as reported by the broker.
type BrokerFill struct {
	BrokerFillID string
	Quantity     float64
	Price        float64
	ExecutedAt   time.Time
}

// BrokerPosition is an open position as reported by the broker.
type BrokerPosition struct {
	Symbol   string
	Quantity float64
	AvgPrice float64
}

// Quote is a point-in-time price snapshot.
type Quote struct {
	Symbol string
	Price  float64
	At     time.Time
}

// OrderGateway is the brokerage capability consumed by the order service and
// startup reconciliation. Implementations must distinguish "definitely not
// received" from "unknown" in SubmitResult so callers can apply the correct
// safety policy.
type OrderGateway interface {
	Submit(ctx context.Context, req SubmitRequest) SubmitResult
	Cancel(ctx context.Context, brokerOrderID string) error
	OpenOrders(ctx context.Context, accountID string) ([]BrokerOrder, error)
	OrderStatus(ctx context.Context, brokerOrderID string) (*BrokerOrder, error)
	Fills(ctx context.Context, brokerOrderID string) ([]BrokerFill, error)
	Positions(ctx context.Context, accountID string) ([]BrokerPosition, error)
}

// MarketDataGateway supplies quotes for exit-condition checks while holding.
type MarketDataGateway interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// SignalSource proposes the next candidate symbol, skipping the exclusions
// (symbols already locked fleet-wide). Returns "" when nothing qualifies.
type SignalSource interface {
	NextCandidate(ctx context.Context, exclude map[string]bool) (string, error)
}

// Event is a fire-and-forget notification about a fleet-level occurrence.
type Event struct {
	Kind     string    `json:"kind"`
	WorkerID string    `json:"worker_id,omitempty"`
	Symbol   string    `json:"symbol,omitempty"`
	OrderID  string    `json:"order_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// NotificationSink receives events. Publish failures are logged by callers
// and never block trading.
type NotificationSink interface {
	Publish(ctx context.Context, event Event) error
}
