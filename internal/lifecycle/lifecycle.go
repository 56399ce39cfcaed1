package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/locks"
)

var (
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInvalidTransition means the requested lifecycle move is not an
	// allowed edge for the worker's current status.
	ErrInvalidTransition = errors.New("invalid worker status transition")
)

// Service tracks worker identity and health. The stale sweep is the fleet's
// crash detector: a worker that stops heartbeating is marked CRASHED and its
// locks are force-released immediately, rather than waiting out the lock TTL
// on top of the heartbeat silence.
type Service struct {
	db    *Database
	locks *locks.Service
	now   func() time.Time
}

func NewService(gormDB *gorm.DB, lockService *locks.Service) *Service {
	return &Service{
		db:    NewDatabase(gormDB),
		locks: lockService,
		now:   time.Now,
	}
}

// Register creates or refreshes the worker's record in IDLE.
func (s *Service) Register(ctx context.Context, workerID string) (*WorkerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := s.now()
	record := &WorkerRecord{
		WorkerID:        workerID,
		Status:          StatusIdle,
		StartedAt:       now,
		LastHeartbeatAt: now,
	}
	if err := s.db.UpsertWorker(record); err != nil {
		return nil, fmt.Errorf("worker registration failed: %w", err)
	}
	log.Info().Str("worker_id", workerID).Msg("worker registered")
	return record, nil
}

// Transition validates and applies a lifecycle move, refreshing the
// heartbeat timestamp as a side effect of any successful move.
func (s *Service) Transition(ctx context.Context, workerID, newStatus string) (*WorkerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record, err := s.db.GetWorker(workerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrWorkerNotFound
	}
	if !CanTransition(record.Status, newStatus) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, record.Status, newStatus)
	}

	set := map[string]interface{}{}
	if newStatus != StatusHolding {
		// held_symbol only survives while HOLDING
		set["held_symbol"] = ""
	}
	moved, err := s.db.TransitionStatus(workerID, record.Status, newStatus, s.now(), set)
	if err != nil {
		return nil, fmt.Errorf("worker transition failed: %w", err)
	}
	if !moved {
		// Status changed under us (likely the sweep marked us CRASHED).
		refreshed, err := s.db.GetWorker(workerID)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, refreshed.Status, newStatus)
	}

	log.Debug().
		Str("worker_id", workerID).
		Str("from", record.Status).
		Str("to", newStatus).
		Msg("worker transitioned")
	return s.db.GetWorker(workerID)
}

// SetHeldSymbol records which symbol the worker's HOLDING state protects.
func (s *Service) SetHeldSymbol(ctx context.Context, workerID, symbol string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.SetHeldSymbol(workerID, symbol, s.now())
}

// Heartbeat refreshes the worker's liveness timestamp. Returns false when
// the record is gone or already marked CRASHED, which the worker must treat
// as having been declared dead by the fleet.
func (s *Service) Heartbeat(ctx context.Context, workerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	alive, err := s.db.TouchHeartbeat(workerID, s.now())
	if err != nil {
		return false, fmt.Errorf("worker heartbeat failed: %w", err)
	}
	return alive, nil
}

// CleanupStaleWorkers marks every worker silent for longer than maxSilence
// as CRASHED and force-releases its locks in the same sweep. Returns the
// IDs of workers it declared crashed.
func (s *Service) CleanupStaleWorkers(ctx context.Context, maxSilence time.Duration) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-maxSilence)
	stale, err := s.db.GetStaleWorkers(cutoff)
	if err != nil {
		return nil, fmt.Errorf("stale worker scan failed: %w", err)
	}

	var crashed []string
	for i := range stale {
		record := &stale[i]
		marked, err := s.db.TransitionStatus(record.WorkerID, record.Status, StatusCrashed, s.now(),
			map[string]interface{}{"held_symbol": ""})
		if err != nil {
			return crashed, err
		}
		if !marked {
			// The worker moved on its own between scan and mark; skip it.
			continue
		}

		released, err := s.locks.ReleaseAllHeldBy(ctx, record.WorkerID)
		if err != nil {
			log.Error().Err(err).Str("worker_id", record.WorkerID).Msg("failed to release crashed worker's locks")
		}
		log.Warn().
			Str("worker_id", record.WorkerID).
			Str("last_status", record.Status).
			Time("last_heartbeat_at", record.LastHeartbeatAt).
			Strs("released_locks", released).
			Msg("worker marked crashed")
		crashed = append(crashed, record.WorkerID)
	}
	return crashed, nil
}

// Shutdown performs the orderly exit: EXITING transition, lock release,
// record removal. Safe to call from any state.
func (s *Service) Shutdown(ctx context.Context, workerID string) error {
	record, err := s.db.GetWorker(workerID)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	if record.Status != StatusExiting && record.Status != StatusCrashed {
		if _, err := s.db.TransitionStatus(workerID, record.Status, StatusExiting, s.now(),
			map[string]interface{}{"held_symbol": ""}); err != nil {
			return fmt.Errorf("shutdown transition failed: %w", err)
		}
	}

	released, err := s.locks.ReleaseAllHeldBy(ctx, workerID)
	if err != nil {
		return fmt.Errorf("shutdown lock release failed: %w", err)
	}
	if err := s.db.DeleteWorker(workerID); err != nil {
		return fmt.Errorf("worker deregistration failed: %w", err)
	}
	log.Info().
		Str("worker_id", workerID).
		Strs("released_locks", released).
		Msg("worker shut down")
	return nil
}

// Get returns the worker's record, or ErrWorkerNotFound.
func (s *Service) Get(ctx context.Context, workerID string) (*WorkerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	record, err := s.db.GetWorker(workerID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrWorkerNotFound
	}
	return record, nil
}

// List returns every worker record.
func (s *Service) List(ctx context.Context) ([]WorkerRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.db.ListWorkers()
}
