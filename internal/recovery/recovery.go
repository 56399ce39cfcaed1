package recovery

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/gateway"
	"github.com/Themath93/stock-manager-sub000/internal/orders"
)

// Service reconciles persisted order state against the broker's authoritative
// state before a worker is allowed to trade. The broker wins every
// disagreement it can settle; anything it cannot settle is flagged for an
// operator and the affected order stays untouched.
type Service struct {
	db       *Database
	orders   *orders.Service
	gateway  gateway.OrderGateway
	notifier gateway.NotificationSink
}

func NewService(gormDB *gorm.DB, orderService *orders.Service, gw gateway.OrderGateway) *Service {
	db := NewDatabase(gormDB)
	orderService.SetDiscrepancyRecorder(db)
	return &Service{
		db:      db,
		orders:  orderService,
		gateway: gw,
	}
}

// SetNotifier wires an optional notification sink for reconciliation
// findings. Publish failures are logged, never propagated.
func (s *Service) SetNotifier(sink gateway.NotificationSink) {
	s.notifier = sink
}

// Run performs one full reconciliation pass: open orders first, then broker
// positions with no local order history. Any error is the caller's signal
// that local state is NOT verified.
func (s *Service) Run(ctx context.Context, accountID string) error {
	logger := log.With().Str("component", "state_recovery").Logger()
	logger.Info().Msg("starting state reconciliation")

	if err := s.orders.SyncWithBroker(ctx, accountID); err != nil {
		return fmt.Errorf("order reconciliation failed: %w", err)
	}

	positions, err := s.gateway.Positions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetching broker positions failed: %w", err)
	}
	for _, pos := range positions {
		known, err := s.orders.HasOrderForSymbol(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		if known {
			continue
		}
		detail := fmt.Sprintf("broker holds %.4f %s with no local order history", pos.Quantity, pos.Symbol)
		logger.Warn().Str("symbol", pos.Symbol).Float64("quantity", pos.Quantity).Msg("out-of-band position")
		if err := s.db.Record(ctx, KindOrphanPosition, "", pos.Symbol, "FLAGGED", detail); err != nil {
			return fmt.Errorf("recording orphan position failed: %w", err)
		}
		s.publish(ctx, gateway.Event{
			Kind:   "recovery.orphan_position",
			Symbol: pos.Symbol,
			Detail: detail,
			At:     time.Now(),
		})
	}

	logger.Info().Msg("state reconciliation complete")
	return nil
}

// RunUntilReady retries Run with backoff until it succeeds or ctx is
// canceled. Trading on unreconciled state risks real loss, so this fails
// closed: the worker does not trade until a pass completes.
func (s *Service) RunUntilReady(ctx context.Context, accountID string, retryInterval time.Duration) error {
	logger := log.With().Str("component", "state_recovery").Logger()
	for attempt := 1; ; attempt++ {
		err := s.Run(ctx, accountID)
		if err == nil {
			return nil
		}
		logger.Error().
			Err(err).
			Int("attempt", attempt).
			Dur("retry_in", retryInterval).
			Msg("reconciliation failed, trading stays blocked")

		select {
		case <-ctx.Done():
			return fmt.Errorf("reconciliation abandoned: %w", ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

// Records returns the most recent reconciliation findings.
func (s *Service) Records(ctx context.Context, limit int) ([]RecoveryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListRecords(limit)
}

func (s *Service) publish(ctx context.Context, event gateway.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("kind", event.Kind).Msg("notification publish failed")
	}
}
