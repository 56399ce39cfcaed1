package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Themath93/stock-manager-sub000/internal/gateway"
	"github.com/Themath93/stock-manager-sub000/internal/lifecycle"
	"github.com/Themath93/stock-manager-sub000/internal/locks"
	"github.com/Themath93/stock-manager-sub000/internal/orders"
	"github.com/Themath93/stock-manager-sub000/internal/types"
)

// ErrHalted means the worker stopped its trading loop on a divergence it
// must not trade through (ambiguous submit, lost lock while holding). Held
// locks are deliberately NOT released: the symbol stays fenced off until an
// operator or the next reconciliation pass resolves it.
var ErrHalted = errors.New("worker halted on unresolved divergence")

// errFillTimeout marks an order the worker gave up waiting on and canceled.
// The canceled order may still carry partial fills the caller has to account
// for.
var errFillTimeout = errors.New("order canceled after fill timeout")

// Config carries the per-worker tunables.
type Config struct {
	WorkerID  string
	AccountID string

	LockTTL           time.Duration
	HeartbeatInterval time.Duration
	HeartbeatGrace    int // consecutive heartbeat failures tolerated

	LoopInterval     time.Duration
	FillPollInterval time.Duration
	FillPollTimeout  time.Duration

	OrderQuantity float64
	TargetGainPct float64 // exit when price rises this fraction above entry
	StopLossPct   float64 // exit when price falls this fraction below entry
}

// Worker is one fleet member: the trading event loop plus its heartbeat
// runner. All shared state lives in the lock and order stores; the only
// in-process mutable state is the currently held symbol, and that is
// re-validated against the lock store before every privileged action.
type Worker struct {
	cfg       Config
	locks     *locks.Service
	lifecycle *lifecycle.Service
	orders    *orders.Service
	signals   gateway.SignalSource
	market    gateway.MarketDataGateway
	notifier  gateway.NotificationSink
	logger    zerolog.Logger

	mu         sync.Mutex
	heldSymbol string
}

func New(
	cfg Config,
	lockService *locks.Service,
	lifecycleService *lifecycle.Service,
	orderService *orders.Service,
	signals gateway.SignalSource,
	market gateway.MarketDataGateway,
	notifier gateway.NotificationSink,
) *Worker {
	return &Worker{
		cfg:       cfg,
		locks:     lockService,
		lifecycle: lifecycleService,
		orders:    orderService,
		signals:   signals,
		market:    market,
		notifier:  notifier,
		logger:    log.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
	}
}

func (w *Worker) setHeld(symbol string) {
	w.mu.Lock()
	w.heldSymbol = symbol
	w.mu.Unlock()
}

func (w *Worker) held() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.heldSymbol
}

// Run registers the worker, starts the heartbeat runner and drives the
// trading loop until ctx is canceled (orderly shutdown) or the loop halts on
// a divergence. Callers run state recovery BEFORE this.
func (w *Worker) Run(ctx context.Context) error {
	if _, err := w.lifecycle.Register(ctx, w.cfg.WorkerID); err != nil {
		return err
	}

	// The heartbeat runner gets its own cancel so it can pull the plug on
	// the trading loop when the store is unreachable beyond the grace
	// budget.
	loopCtx, selfExit := context.WithCancel(ctx)
	defer selfExit()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runHeartbeat(loopCtx, selfExit)
	}()

	err := w.runLoop(loopCtx)
	selfExit()
	wg.Wait()

	if errors.Is(err, ErrHalted) {
		// Leave locks in place; only mark ourselves EXITING.
		if _, terr := w.lifecycle.Transition(context.Background(), w.cfg.WorkerID, lifecycle.StatusExiting); terr != nil {
			w.logger.Error().Err(terr).Msg("failed to mark halted worker exiting")
		}
		return err
	}

	// Orderly shutdown: finish or abort in-flight work happened in the
	// loop; now release everything and deregister.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := w.lifecycle.Shutdown(shutdownCtx, w.cfg.WorkerID); serr != nil {
		w.logger.Error().Err(serr).Msg("orderly shutdown incomplete")
		if err == nil {
			err = serr
		}
	}
	return err
}

func (w *Worker) runLoop(ctx context.Context) error {
	w.logger.Info().Dur("loop_interval", w.cfg.LoopInterval).Msg("trading loop started")
	ticker := time.NewTicker(w.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("trading loop stopping")
			return nil
		case <-ticker.C:
		}

		if err := w.iterate(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			if errors.Is(err, ErrHalted) {
				return err
			}
			// Transient trouble: log and try again next tick.
			w.logger.Error().Err(err).Msg("loop iteration failed")
		}
	}
}

// iterate runs one cycle of the IDLE/SCANNING → HOLDING → SCANNING machine.
func (w *Worker) iterate(ctx context.Context) error {
	if symbol := w.held(); symbol != "" {
		return w.monitorPosition(ctx, symbol)
	}
	return w.scanAndEnter(ctx)
}

func (w *Worker) scanAndEnter(ctx context.Context) error {
	record, err := w.lifecycle.Get(ctx, w.cfg.WorkerID)
	if err != nil {
		return err
	}
	if record.Status == lifecycle.StatusIdle {
		if _, err := w.lifecycle.Transition(ctx, w.cfg.WorkerID, lifecycle.StatusScanning); err != nil {
			return err
		}
	}

	exclude, err := w.locks.HeldSymbols(ctx)
	if err != nil {
		return err
	}
	symbol, err := w.signals.NextCandidate(ctx, exclude)
	if err != nil {
		return err
	}
	if symbol == "" {
		return nil
	}

	_, err = w.locks.Acquire(ctx, symbol, w.cfg.WorkerID, w.cfg.LockTTL)
	if errors.Is(err, locks.ErrLockDenied) {
		// Someone else got there first; next tick tries another candidate.
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.Info().Str("symbol", symbol).Msg("symbol locked, placing entry order")

	entry, err := w.placeAndAwait(ctx, symbol, types.SideBuy, w.cfg.OrderQuantity)
	if err != nil {
		if errors.Is(err, orders.ErrSubmitUnconfirmed) {
			// The buy may exist broker-side. Keep the lock so nobody else
			// trades the symbol, and stop trading ourselves.
			w.notify(ctx, gateway.Event{
				Kind:     "worker.halted",
				WorkerID: w.cfg.WorkerID,
				Symbol:   symbol,
				Detail:   "entry order outcome unknown; symbol stays fenced until reconciliation",
				At:       time.Now(),
			})
			return fmt.Errorf("%w: entry submit unconfirmed for %s", ErrHalted, symbol)
		}
		if entry != nil && entry.FilledQuantity > 0 {
			// The buy ended short of its quantity but real shares landed.
			// That tranche is a position like any other: keep the lock and
			// let the monitor loop exit it, sized from the recorded fills.
			w.logger.Warn().
				Str("symbol", symbol).
				Float64("filled_quantity", entry.FilledQuantity).
				Err(err).
				Msg("entry ended early with a partial fill, holding the tranche")
			return w.enterHolding(ctx, symbol, entry)
		}
		// Definite failure with nothing filled: nothing rests at the broker,
		// safe to hand the symbol back.
		if _, rerr := w.locks.Release(ctx, symbol, w.cfg.WorkerID); rerr != nil {
			w.logger.Error().Err(rerr).Str("symbol", symbol).Msg("failed to release lock after entry failure")
		}
		return err
	}
	return w.enterHolding(ctx, symbol, entry)
}

// enterHolding records the transition into HOLDING once entry fills exist.
func (w *Worker) enterHolding(ctx context.Context, symbol string, entry *types.Order) error {
	if _, err := w.lifecycle.Transition(ctx, w.cfg.WorkerID, lifecycle.StatusHolding); err != nil {
		return err
	}
	if err := w.lifecycle.SetHeldSymbol(ctx, w.cfg.WorkerID, symbol); err != nil {
		return err
	}
	w.setHeld(symbol)

	entryFills, err := w.orders.Fills(ctx, entry.OrderID)
	if err != nil {
		return err
	}
	w.notify(ctx, gateway.Event{
		Kind:     "position.opened",
		WorkerID: w.cfg.WorkerID,
		Symbol:   symbol,
		OrderID:  entry.OrderID,
		Detail:   fmt.Sprintf("bought %.2f @ avg %.2f", entry.FilledQuantity, avgFillPrice(entryFills)),
		At:       time.Now(),
	})
	return nil
}

func (w *Worker) monitorPosition(ctx context.Context, symbol string) error {
	// Re-validate ownership before acting: the in-process held symbol is a
	// cached copy, the lock store is the truth.
	_, err := w.locks.Renew(ctx, symbol, w.cfg.WorkerID, w.cfg.LockTTL)
	if errors.Is(err, locks.ErrNotHolder) {
		w.notify(ctx, gateway.Event{
			Kind:     "worker.halted",
			WorkerID: w.cfg.WorkerID,
			Symbol:   symbol,
			Detail:   "lock lost while holding a position; manual review required",
			At:       time.Now(),
		})
		return fmt.Errorf("%w: lock lost while holding %s", ErrHalted, symbol)
	}
	if err != nil {
		return err
	}

	// Size the exit from the fills, not the configured order quantity: a
	// partial entry or a canceled partial exit leaves fewer shares than one
	// full order's worth.
	qty, err := w.orders.NetPosition(ctx, symbol)
	if err != nil {
		return err
	}
	if qty <= 0 {
		// A prior exit closed the position even though its order errored
		// out before going terminal. Nothing left to protect.
		w.logger.Info().Str("symbol", symbol).Msg("position already flat, releasing")
		return w.leaveHolding(ctx, symbol, nil)
	}

	entry, err := w.entryPrice(ctx, symbol)
	if err != nil {
		return err
	}
	quote, err := w.market.Quote(ctx, symbol)
	if err != nil {
		return err
	}

	target := entry * (1 + w.cfg.TargetGainPct)
	stop := entry * (1 - w.cfg.StopLossPct)
	if quote.Price < target && quote.Price > stop {
		return nil
	}

	w.logger.Info().
		Str("symbol", symbol).
		Float64("entry", entry).
		Float64("price", quote.Price).
		Msg("exit condition met, placing exit order")

	exit, err := w.placeAndAwait(ctx, symbol, types.SideSell, qty)
	if err != nil {
		if errors.Is(err, orders.ErrSubmitUnconfirmed) {
			w.notify(ctx, gateway.Event{
				Kind:     "worker.halted",
				WorkerID: w.cfg.WorkerID,
				Symbol:   symbol,
				Detail:   "exit order outcome unknown; symbol stays fenced until reconciliation",
				At:       time.Now(),
			})
			return fmt.Errorf("%w: exit submit unconfirmed for %s", ErrHalted, symbol)
		}
		// A failed or partly filled exit keeps the lock; the next tick sizes
		// a fresh sell from whatever is still held.
		return err
	}
	return w.leaveHolding(ctx, symbol, exit)
}

// leaveHolding releases the symbol and returns to SCANNING. Lock release
// strictly follows the exit reaching a terminal state.
func (w *Worker) leaveHolding(ctx context.Context, symbol string, exit *types.Order) error {
	if _, err := w.locks.Release(ctx, symbol, w.cfg.WorkerID); err != nil {
		return err
	}
	w.setHeld("")
	if _, err := w.lifecycle.Transition(ctx, w.cfg.WorkerID, lifecycle.StatusScanning); err != nil {
		return err
	}

	if exit != nil {
		w.notify(ctx, gateway.Event{
			Kind:     "position.closed",
			WorkerID: w.cfg.WorkerID,
			Symbol:   symbol,
			OrderID:  exit.OrderID,
			Detail:   fmt.Sprintf("sold %.2f", exit.FilledQuantity),
			At:       time.Now(),
		})
	}
	return nil
}

// placeAndAwait creates, sends and waits out one order. The idempotency key
// is minted once per intent, so a retried Send after a definite non-delivery
// can never duplicate the order.
func (w *Worker) placeAndAwait(ctx context.Context, symbol, side string, quantity float64) (*types.Order, error) {
	order, err := w.orders.Create(ctx, orders.CreateRequest{
		IdempotencyKey: uuid.New().String(),
		Symbol:         symbol,
		Side:           side,
		Quantity:       quantity,
	})
	if err != nil {
		return nil, err
	}

	if _, err := w.orders.Send(ctx, order.OrderID); err != nil {
		return nil, err
	}
	return w.awaitFill(ctx, order.OrderID)
}

// awaitFill polls the broker's fills until the order goes terminal or the
// poll budget runs out. On every error path the order, with whatever fills it
// accumulated, comes back alongside the error so the caller can account for a
// partially executed tranche.
func (w *Worker) awaitFill(ctx context.Context, orderID string) (*types.Order, error) {
	deadline := time.Now().Add(w.cfg.FillPollTimeout)
	for {
		order, err := w.orders.PollFills(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status == types.OrderStatusFilled {
			return order, nil
		}
		if order.Terminal() {
			return order, fmt.Errorf("order %s ended %s before filling", orderID, order.Status)
		}
		if time.Now().After(deadline) {
			// Give up waiting and cancel what remains.
			canceled, err := w.orders.Cancel(ctx, orderID)
			if err != nil {
				return order, fmt.Errorf("fill wait expired and cancel failed: %w", err)
			}
			return canceled, fmt.Errorf("%w: order %s filled %.2f of %.2f", errFillTimeout, orderID, canceled.FilledQuantity, canceled.Quantity)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(w.cfg.FillPollInterval):
		}
	}
}

// entryPrice derives the held position's cost basis from the most recent
// executed BUY for the symbol.
func (w *Worker) entryPrice(ctx context.Context, symbol string) (float64, error) {
	order, err := w.orders.LastExecutedBuy(ctx, symbol)
	if err != nil {
		return 0, err
	}
	fills, err := w.orders.Fills(ctx, order.OrderID)
	if err != nil {
		return 0, err
	}
	price := avgFillPrice(fills)
	if price == 0 {
		return 0, fmt.Errorf("no fills recorded for entry order %s", order.OrderID)
	}
	return price, nil
}

func (w *Worker) notify(ctx context.Context, event gateway.Event) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Publish(ctx, event); err != nil {
		w.logger.Warn().Err(err).Str("kind", event.Kind).Msg("notification publish failed")
	}
}

func avgFillPrice(fills []types.Fill) float64 {
	var qty, notional float64
	for _, f := range fills {
		qty += f.Quantity
		notional += f.Quantity * f.Price
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}
