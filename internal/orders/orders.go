package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/gateway"
	"github.com/Themath93/stock-manager-sub000/internal/types"
)

var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidTransition means the requested operation is not legal from
	// the order's current status. Statuses never move backward.
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrIdempotencyConflict means a creation request reused an idempotency
	// key with a different payload. This is an invariant violation, not a
	// retry: the caller's request stream is corrupted.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")

	// ErrFillExceedsOrder means a fill would push filled quantity past the
	// order quantity. Rejected outright, never clamped.
	ErrFillExceedsOrder = errors.New("fill exceeds remaining order quantity")

	// ErrSubmitUnconfirmed means the gateway could not say whether the
	// broker received the order. The order is parked as pending-unconfirmed
	// and must be resolved by reconciliation, never resent.
	ErrSubmitUnconfirmed = errors.New("order submission outcome unknown")
)

// quantities are float64 end to end; fills compare against order quantity
// within this tolerance.
const qtyEpsilon = 1e-9

// DiscrepancyRecorder receives reconciliation findings from SyncWithBroker.
// Implemented by the recovery store; nil disables recording (findings are
// still logged).
type DiscrepancyRecorder interface {
	Record(ctx context.Context, kind, orderID, symbol, action, detail string) error
}

// Service owns the order state machine: creation with idempotency,
// transmission, cancellation, fill accounting and broker reconciliation.
type Service struct {
	db       *Database
	gateway  gateway.OrderGateway
	recorder DiscrepancyRecorder
}

func NewService(gormDB *gorm.DB, gw gateway.OrderGateway) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		gateway: gw,
	}
}

// SetDiscrepancyRecorder wires the recovery log sink used by SyncWithBroker.
func (s *Service) SetDiscrepancyRecorder(r DiscrepancyRecorder) {
	s.recorder = r
}

// Create inserts a new order in NEW, keyed by the request's idempotency key.
// A retried request with the same key and payload returns the existing order
// without touching the broker or creating a second row. The insert itself is
// the atomic arbiter: two concurrent creates with the same key race on the
// unique constraint and the loser fetches the winner's row.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Side != types.SideBuy && req.Side != types.SideSell {
		return nil, fmt.Errorf("invalid order side %q", req.Side)
	}

	order := &types.Order{
		OrderID:        uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          req.Price,
		Status:         types.OrderStatusNew,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}

	err := s.db.CreateOrder(order)
	if err == nil {
		log.Info().
			Str("order_id", order.OrderID).
			Str("symbol", order.Symbol).
			Str("side", order.Side).
			Float64("quantity", order.Quantity).
			Msg("order created")
		return order, nil
	}
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, fmt.Errorf("order insert failed: %w", err)
	}

	existing, lookupErr := s.db.GetOrderByIdempotencyKey(req.IdempotencyKey)
	if lookupErr != nil {
		return nil, fmt.Errorf("idempotency lookup failed: %w", lookupErr)
	}
	if existing == nil {
		return nil, fmt.Errorf("order insert failed: %w", err)
	}
	if !req.matches(existing) {
		log.Error().
			Str("idempotency_key", req.IdempotencyKey).
			Str("existing_order_id", existing.OrderID).
			Msg("idempotency key reused with different payload")
		return nil, ErrIdempotencyConflict
	}
	return existing, nil
}

// Get returns an order by ID, or ErrOrderNotFound.
func (s *Service) Get(ctx context.Context, orderID string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order, err := s.db.GetOrder(orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// Send transmits a NEW order to the broker. Gateway outcomes map onto three
// policies: confirmed moves the order to SENT with its broker order ID; a
// definite non-delivery leaves the order NEW and is safe to retry; an
// ambiguous outcome parks the order as SENT-pending-unconfirmed for
// reconciliation and returns ErrSubmitUnconfirmed.
func (s *Service) Send(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderStatusNew {
		return nil, fmt.Errorf("%w: cannot send from %s", ErrInvalidTransition, order.Status)
	}

	result := s.gateway.Submit(ctx, gateway.SubmitRequest{
		ClientOrderID: order.IdempotencyKey,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Quantity:      order.Quantity,
		Price:         order.Price,
	})

	switch result.Outcome {
	case gateway.OutcomeConfirmed:
		moved, err := s.db.TransitionStatus(orderID, types.OrderStatusNew, types.OrderStatusSent,
			map[string]interface{}{"broker_order_id": result.BrokerOrderID})
		if err != nil {
			return nil, fmt.Errorf("recording sent order failed: %w", err)
		}
		if !moved {
			return nil, fmt.Errorf("%w: order left NEW while sending", ErrInvalidTransition)
		}
		log.Info().
			Str("order_id", orderID).
			Str("broker_order_id", result.BrokerOrderID).
			Msg("order sent")
		return s.Get(ctx, orderID)

	case gateway.OutcomeNotSent:
		// Broker definitely never saw the order; the caller may retry Send.
		return nil, fmt.Errorf("order submit failed: %w", result.Err)

	default: // gateway.OutcomeUnknown
		moved, err := s.db.TransitionStatus(orderID, types.OrderStatusNew, types.OrderStatusSent, nil)
		if err != nil {
			return nil, fmt.Errorf("recording unconfirmed order failed: %w", err)
		}
		if !moved {
			return nil, fmt.Errorf("%w: order left NEW while sending", ErrInvalidTransition)
		}
		log.Warn().
			Str("order_id", orderID).
			Err(result.Err).
			Msg("order submit outcome unknown, parked for reconciliation")
		return nil, fmt.Errorf("%w: %v", ErrSubmitUnconfirmed, result.Err)
	}
}

// Cancel asks the broker to cancel a SENT or PARTIAL order and records the
// confirmed cancellation. Pending-unconfirmed orders cannot be canceled here;
// reconciliation must first establish whether the broker has them at all.
func (s *Service) Cancel(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != types.OrderStatusSent && order.Status != types.OrderStatusPartial {
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrInvalidTransition, order.Status)
	}
	if order.PendingUnconfirmed() {
		return nil, ErrSubmitUnconfirmed
	}

	if err := s.gateway.Cancel(ctx, order.BrokerOrderID); err != nil {
		return nil, fmt.Errorf("broker cancel failed: %w", err)
	}

	moved, err := s.db.TransitionStatus(orderID, order.Status, types.OrderStatusCanceled, nil)
	if err != nil {
		return nil, fmt.Errorf("recording cancellation failed: %w", err)
	}
	if !moved {
		// The order changed under us (a fill landed, or it reached a
		// terminal state broker-side). Surface current state.
		return s.Get(ctx, orderID)
	}
	log.Info().Str("order_id", orderID).Msg("order canceled")
	return s.Get(ctx, orderID)
}

// ApplyFill records one broker fill against an order. Re-delivered events
// (same broker fill ID) are absorbed without changing the accounting; a fill
// that would exceed the order quantity is rejected as a hard invariant
// violation.
func (s *Service) ApplyFill(ctx context.Context, orderID string, brokerFill gateway.BrokerFill) (*types.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}

	seen, err := s.db.HasFill(brokerFill.BrokerFillID)
	if err != nil {
		return nil, fmt.Errorf("fill dedup check failed: %w", err)
	}
	if seen {
		return order, nil
	}

	if brokerFill.Quantity <= 0 {
		return nil, fmt.Errorf("%w: non-positive fill quantity", ErrFillExceedsOrder)
	}
	newFilled := order.FilledQuantity + brokerFill.Quantity
	if newFilled > order.Quantity+qtyEpsilon {
		log.Error().
			Str("order_id", orderID).
			Float64("order_quantity", order.Quantity).
			Float64("filled_quantity", order.FilledQuantity).
			Float64("fill_quantity", brokerFill.Quantity).
			Msg("fill exceeds order quantity")
		return nil, ErrFillExceedsOrder
	}

	newStatus := types.OrderStatusPartial
	if math.Abs(newFilled-order.Quantity) <= qtyEpsilon {
		newFilled = order.Quantity
		newStatus = types.OrderStatusFilled
	}
	if !CanTransition(order.Status, newStatus) && order.Status != newStatus {
		return nil, fmt.Errorf("%w: fill against %s order", ErrInvalidTransition, order.Status)
	}

	fill := &types.Fill{
		FillID:       uuid.New().String(),
		OrderID:      orderID,
		Quantity:     brokerFill.Quantity,
		Price:        brokerFill.Price,
		BrokerFillID: brokerFill.BrokerFillID,
		ReceivedAt:   time.Now(),
	}
	err = s.db.ApplyFillTx(fill, orderID, newStatus, order.FilledQuantity, newFilled)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a race with the same event arriving twice; the first writer's
		// accounting stands.
		return s.Get(ctx, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("applying fill failed: %w", err)
	}

	log.Info().
		Str("order_id", orderID).
		Str("broker_fill_id", brokerFill.BrokerFillID).
		Float64("fill_quantity", brokerFill.Quantity).
		Float64("filled_quantity", newFilled).
		Str("status", newStatus).
		Msg("fill applied")
	return s.Get(ctx, orderID)
}

// PollFills fetches the broker's fill list for an order and applies anything
// new. Safe to call repeatedly; dedup on broker fill ID makes it idempotent.
func (s *Service) PollFills(ctx context.Context, orderID string) (*types.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.BrokerOrderID == "" || order.Terminal() {
		return order, nil
	}

	fills, err := s.gateway.Fills(ctx, order.BrokerOrderID)
	if err != nil {
		return nil, fmt.Errorf("fetching fills failed: %w", err)
	}
	for _, f := range fills {
		if order, err = s.ApplyFill(ctx, orderID, f); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Resolve applies a broker-reported terminal status to a local order during
// reconciliation, treating the broker as ground truth. The move still has to
// be legal under the state machine.
func (s *Service) Resolve(ctx context.Context, orderID, brokerStatus string) (*types.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == brokerStatus {
		return order, nil
	}
	if !CanTransition(order.Status, brokerStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, order.Status, brokerStatus)
	}
	moved, err := s.db.TransitionStatus(orderID, order.Status, brokerStatus, nil)
	if err != nil {
		return nil, fmt.Errorf("resolving order failed: %w", err)
	}
	if !moved {
		return s.Get(ctx, orderID)
	}
	log.Warn().
		Str("order_id", orderID).
		Str("from", order.Status).
		Str("to", brokerStatus).
		Msg("order resolved from broker state")
	return s.Get(ctx, orderID)
}

// ConfirmBrokerOrderID attaches a broker order ID to a pending-unconfirmed
// order once reconciliation matched it by client order ID.
func (s *Service) ConfirmBrokerOrderID(ctx context.Context, orderID, brokerOrderID string) (*types.Order, error) {
	order, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.PendingUnconfirmed() {
		return order, nil
	}
	if _, err := s.db.SetBrokerOrderID(orderID, brokerOrderID); err != nil {
		return nil, err
	}
	return s.Get(ctx, orderID)
}

// Fills returns the recorded fills for an order.
func (s *Service) Fills(ctx context.Context, orderID string) ([]types.Fill, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.GetFillsForOrder(orderID)
}

// OpenOrders returns every local order the broker might still know about.
func (s *Service) OpenOrders(ctx context.Context) ([]types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.GetOpenOrders()
}

// LastExecutedBuy returns the most recent BUY with any filled quantity for a
// symbol, the order that established the currently held position. A canceled
// order that filled partially before the cancel still counts: its shares are
// held.
func (s *Service) LastExecutedBuy(ctx context.Context, symbol string) (*types.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	order, err := s.db.GetLastExecutedBySymbolSide(symbol, types.SideBuy)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

// NetPosition derives the held quantity for a symbol from recorded fills:
// buy fills add, sell fills subtract. This is the authority for sizing exit
// orders, so a tranche sold before a cancel landed is never sold twice.
func (s *Service) NetPosition(ctx context.Context, symbol string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.db.NetPositionBySymbol(symbol)
}

// HasOrderForSymbol reports whether any local order history exists for a
// symbol, used when reconciling broker positions.
func (s *Service) HasOrderForSymbol(ctx context.Context, symbol string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	matched, err := s.db.GetOrdersBySymbol(symbol)
	if err != nil {
		return false, err
	}
	return len(matched) > 0, nil
}

// SyncWithBroker reconciles local open orders against the broker's open-order
// list. Local SENT/PARTIAL orders missing broker-side are resolved from their
// final broker state; broker orders with no local counterpart are recorded
// for operator attention and never silently adopted or ignored.
func (s *Service) SyncWithBroker(ctx context.Context, accountID string) error {
	brokerOpen, err := s.gateway.OpenOrders(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetching broker open orders failed: %w", err)
	}

	openByBrokerID := make(map[string]gateway.BrokerOrder, len(brokerOpen))
	openByClientID := make(map[string]gateway.BrokerOrder, len(brokerOpen))
	for _, bo := range brokerOpen {
		openByBrokerID[bo.BrokerOrderID] = bo
		if bo.ClientOrderID != "" {
			openByClientID[bo.ClientOrderID] = bo
		}
	}

	localOpen, err := s.db.GetOpenOrders()
	if err != nil {
		return fmt.Errorf("fetching local open orders failed: %w", err)
	}

	matchedBrokerIDs := make(map[string]bool, len(localOpen))
	for i := range localOpen {
		order := &localOpen[i]
		if err := s.syncOne(ctx, order, openByBrokerID, openByClientID, matchedBrokerIDs); err != nil {
			return err
		}
	}

	// Anything the broker has open that no local order accounts for is an
	// out-of-band order. Record it; an operator has to decide.
	for _, bo := range brokerOpen {
		if matchedBrokerIDs[bo.BrokerOrderID] {
			continue
		}
		local, err := s.db.GetOrderByBrokerOrderID(bo.BrokerOrderID)
		if err != nil {
			return err
		}
		if local != nil {
			continue
		}
		s.record(ctx, "UNKNOWN_BROKER_ORDER", "", bo.Symbol, "FLAGGED",
			fmt.Sprintf("broker order %s (%s %s %.2f) has no local counterpart", bo.BrokerOrderID, bo.Side, bo.Symbol, bo.Quantity))
	}
	return nil
}

func (s *Service) syncOne(
	ctx context.Context,
	order *types.Order,
	openByBrokerID, openByClientID map[string]gateway.BrokerOrder,
	matchedBrokerIDs map[string]bool,
) error {
	// Pending-unconfirmed: try to find the order broker-side by client
	// order ID. Found means our submit did land; adopt the broker order ID.
	if order.PendingUnconfirmed() {
		if bo, ok := openByClientID[order.IdempotencyKey]; ok {
			if _, err := s.ConfirmBrokerOrderID(ctx, order.OrderID, bo.BrokerOrderID); err != nil {
				return err
			}
			matchedBrokerIDs[bo.BrokerOrderID] = true
			s.record(ctx, "UNCONFIRMED_SUBMIT", order.OrderID, order.Symbol, "CONFIRMED",
				fmt.Sprintf("matched broker order %s by client order id", bo.BrokerOrderID))
			return nil
		}
		s.record(ctx, "UNCONFIRMED_SUBMIT", order.OrderID, order.Symbol, "FLAGGED",
			"submit outcome unknown and broker does not list the order; manual review required")
		return nil
	}

	if _, stillOpen := openByBrokerID[order.BrokerOrderID]; stillOpen {
		matchedBrokerIDs[order.BrokerOrderID] = true
		return nil
	}

	// Open locally, absent from the broker's open list: it reached a
	// terminal state broker-side. Fetch the final state and catch up.
	bo, err := s.gateway.OrderStatus(ctx, order.BrokerOrderID)
	if errors.Is(err, gateway.ErrOrderUnknown) {
		s.record(ctx, "BROKER_UNKNOWN_ORDER", order.OrderID, order.Symbol, "FLAGGED",
			"local open order is unknown to the broker; manual review required")
		return nil
	}
	if err != nil {
		return fmt.Errorf("fetching broker order status failed: %w", err)
	}

	if _, err := s.PollFills(ctx, order.OrderID); err != nil {
		return err
	}
	refreshed, err := s.Get(ctx, order.OrderID)
	if err != nil {
		return err
	}
	if refreshed.Terminal() {
		s.record(ctx, "LOCAL_BEHIND_BROKER", order.OrderID, order.Symbol, "RESOLVED",
			fmt.Sprintf("caught up to broker terminal state %s via fills", refreshed.Status))
		return nil
	}

	switch bo.Status {
	case types.OrderStatusCanceled, types.OrderStatusRejected:
		if _, err := s.Resolve(ctx, order.OrderID, bo.Status); err != nil {
			return err
		}
		s.record(ctx, "LOCAL_BEHIND_BROKER", order.OrderID, order.Symbol, "RESOLVED",
			fmt.Sprintf("applied broker terminal state %s", bo.Status))
	case types.OrderStatusFilled:
		// Broker says filled but the fill events did not add up. Do not
		// fabricate fills; flag the gap.
		s.record(ctx, "FILL_MISMATCH", order.OrderID, order.Symbol, "FLAGGED",
			fmt.Sprintf("broker reports FILLED but local accounting shows %.4f/%.4f", refreshed.FilledQuantity, refreshed.Quantity))
	default:
		s.record(ctx, "STATUS_MISMATCH", order.OrderID, order.Symbol, "FLAGGED",
			fmt.Sprintf("broker reports %s for an order absent from its open list", bo.Status))
	}
	return nil
}

func (s *Service) record(ctx context.Context, kind, orderID, symbol, action, detail string) {
	log.Warn().
		Str("kind", kind).
		Str("order_id", orderID).
		Str("symbol", symbol).
		Str("action", action).
		Str("detail", detail).
		Msg("order reconciliation finding")
	if s.recorder == nil {
		return
	}
	if err := s.recorder.Record(ctx, kind, orderID, symbol, action, detail); err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("failed to write recovery record")
	}
}
