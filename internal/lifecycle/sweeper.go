package lifecycle

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically hunts for workers that stopped heartbeating. Any
// worker in the fleet may run it; marking CRASHED is conditional on the
// current status, so overlapping sweeps cannot double-process a worker.
type Sweeper struct {
	service       *Service
	sweepInterval time.Duration
	maxSilence    time.Duration
}

func NewSweeper(service *Service, sweepInterval, maxSilence time.Duration) *Sweeper {
	return &Sweeper{
		service:       service,
		sweepInterval: sweepInterval,
		maxSilence:    maxSilence,
	}
}

// Start begins the sweep loop and blocks until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "worker_sweeper").Logger()
	logger.Info().
		Dur("interval", s.sweepInterval).
		Dur("max_silence", s.maxSilence).
		Msg("starting stale worker sweeper")

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down stale worker sweeper")
			return
		case <-ticker.C:
			crashed, err := s.service.CleanupStaleWorkers(ctx, s.maxSilence)
			if err != nil {
				logger.Error().Err(err).Msg("stale worker sweep failed")
				continue
			}
			if len(crashed) > 0 {
				logger.Warn().Strs("crashed", crashed).Msg("stale workers cleaned up")
			}
		}
	}
}
