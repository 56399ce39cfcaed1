package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses. Transitions are validated by the orders service and are
// strictly monotonic: terminal states (FILLED, CANCELED, REJECTED) never
// move again.
const (
	OrderStatusNew      = "NEW"
	OrderStatusSent     = "SENT"
	OrderStatusPartial  = "PARTIAL"
	OrderStatusFilled   = "FILLED"
	OrderStatusCanceled = "CANCELED"
	OrderStatusRejected = "REJECTED"
)

type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string    `gorm:"uniqueIndex" json:"order_id"`
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	Symbol         string    `json:"symbol"`
	Side           string    `json:"side"` // BUY or SELL
	Quantity       float64   `json:"quantity"`
	Price          float64   `json:"price"` // 0 for market orders
	Status         string    `json:"status"`
	BrokerOrderID  string    `json:"broker_order_id"` // empty until the broker confirms receipt
	FilledQuantity float64   `json:"filled_quantity"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Terminal reports whether the order has reached a final status.
func (o *Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected:
		return true
	}
	return false
}

// PendingUnconfirmed reports whether the order was handed to the gateway but
// never got a broker order ID back (ambiguous submit). Such orders are only
// ever resolved by reconciliation, never resent.
func (o *Order) PendingUnconfirmed() bool {
	return o.Status == OrderStatusSent && o.BrokerOrderID == ""
}

type Fill struct {
	gorm.Model   `json:"-"`
	FillID       string    `gorm:"uniqueIndex" json:"fill_id"`
	OrderID      string    `gorm:"index" json:"order_id"`
	Quantity     float64   `json:"quantity"`
	Price        float64   `json:"price"`
	BrokerFillID string    `gorm:"uniqueIndex" json:"broker_fill_id"`
	ReceivedAt   time.Time `json:"received_at"`
}
