package orders

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/types"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByIdempotencyKey(key string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("idempotency_key = ?", key).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByBrokerOrderID(brokerOrderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("broker_order_id = ?", brokerOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// GetOpenOrders returns every order in a non-terminal, broker-visible state
// (SENT or PARTIAL), the set reconciliation must check against the broker.
func (d *Database) GetOpenOrders() ([]types.Order, error) {
	var open []types.Order
	err := d.db.
		Where("status IN ?", []string{types.OrderStatusSent, types.OrderStatusPartial}).
		Order("created_at").
		Find(&open).Error
	if err != nil {
		return nil, err
	}
	return open, nil
}

// GetLastExecutedBySymbolSide returns the most recent order for a symbol and
// side that filled at all, regardless of how it ended, or nil when none
// exists.
func (d *Database) GetLastExecutedBySymbolSide(symbol, side string) (*types.Order, error) {
	var order types.Order
	err := d.db.
		Where("symbol = ? AND side = ? AND filled_quantity > 0", symbol, side).
		Order("updated_at DESC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// NetPositionBySymbol sums fill quantities for a symbol across all orders,
// buys positive, sells negative.
func (d *Database) NetPositionBySymbol(symbol string) (float64, error) {
	var rows []struct {
		Side string
		Qty  float64
	}
	err := d.db.Table("fills").
		Select("orders.side as side, sum(fills.quantity) as qty").
		Joins("join orders on orders.order_id = fills.order_id").
		Where("orders.symbol = ?", symbol).
		Group("orders.side").
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}
	var net float64
	for _, row := range rows {
		if row.Side == types.SideBuy {
			net += row.Qty
		} else {
			net -= row.Qty
		}
	}
	return net, nil
}

func (d *Database) GetOrdersBySymbol(symbol string) ([]types.Order, error) {
	var matched []types.Order
	if err := d.db.Where("symbol = ?", symbol).Find(&matched).Error; err != nil {
		return nil, err
	}
	return matched, nil
}

// TransitionStatus moves an order between statuses with a conditional write:
// the update only lands if the order is still in fromStatus, closing the race
// between two callers driving the same order.
func (d *Database) TransitionStatus(orderID, fromStatus, toStatus string, set map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     toStatus,
		"updated_at": time.Now(),
	}
	for k, v := range set {
		updates[k] = v
	}
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, fromStatus).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ApplyFillTx records a fill and updates the owning order's accounting in
// one transaction. The unique constraint on broker_fill_id rejects a
// re-delivered fill event: the transaction rolls back and the caller sees
// gorm.ErrDuplicatedKey.
func (d *Database) ApplyFillTx(fill *types.Fill, orderID, newStatus string, expectedFilled, newFilledQuantity float64) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(fill).Error; err != nil {
			return err
		}
		result := tx.Model(&types.Order{}).
			Where("order_id = ? AND filled_quantity = ?", orderID, expectedFilled).
			Updates(map[string]interface{}{
				"status":          newStatus,
				"filled_quantity": newFilledQuantity,
				"updated_at":      time.Now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

// SetBrokerOrderID attaches a broker order ID to a pending-unconfirmed
// order. Conditional on the field still being empty so a confirmed order is
// never relabeled.
func (d *Database) SetBrokerOrderID(orderID, brokerOrderID string) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND broker_order_id = ''", orderID).
		Updates(map[string]interface{}{
			"broker_order_id": brokerOrderID,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) GetFillsForOrder(orderID string) ([]types.Fill, error) {
	var fills []types.Fill
	if err := d.db.Where("order_id = ?", orderID).Order("received_at").Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

func (d *Database) HasFill(brokerFillID string) (bool, error) {
	var count int64
	if err := d.db.Model(&types.Fill{}).Where("broker_fill_id = ?", brokerFillID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
