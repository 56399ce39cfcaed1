package orders

import (
	"github.com/Themath93/stock-manager-sub000/internal/types"
)

// transitions is the full order state machine. Statuses only ever move
// forward through this table; anything else is rejected.
var transitions = map[string][]string{
	types.OrderStatusNew: {
		types.OrderStatusSent,
	},
	types.OrderStatusSent: {
		types.OrderStatusPartial,
		types.OrderStatusFilled,
		types.OrderStatusCanceled,
		types.OrderStatusRejected,
	},
	types.OrderStatusPartial: {
		types.OrderStatusFilled,
		types.OrderStatusCanceled,
		types.OrderStatusRejected,
	},
	types.OrderStatusFilled:   {},
	types.OrderStatusCanceled: {},
	types.OrderStatusRejected: {},
}

// CanTransition reports whether an order may move from one status to
// another.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CreateRequest is the caller-facing order creation payload. The idempotency
// key makes retried requests safe: the same key always maps to the same
// order row.
type CreateRequest struct {
	IdempotencyKey string  `json:"idempotency_key" binding:"required"`
	Symbol         string  `json:"symbol" binding:"required"`
	Side           string  `json:"side" binding:"required"`
	Quantity       float64 `json:"quantity" binding:"required,gt=0"`
	Price          float64 `json:"price"`
}

func (r CreateRequest) matches(order *types.Order) bool {
	return r.Symbol == order.Symbol &&
		r.Side == order.Side &&
		r.Quantity == order.Quantity &&
		r.Price == order.Price
}
