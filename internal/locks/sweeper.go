package locks

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Sweeper periodically reclaims expired leases. It runs fleet-wide policy,
// independent of any single worker, so a crashed worker's lock is reclaimed
// without the crashed process doing anything.
type Sweeper struct {
	service       *Service
	sweepInterval time.Duration
}

func NewSweeper(service *Service, sweepInterval time.Duration) *Sweeper {
	return &Sweeper{
		service:       service,
		sweepInterval: sweepInterval,
	}
}

// Start begins the cleanup loop and blocks until ctx is canceled.
func (s *Sweeper) Start(ctx context.Context) {
	logger := log.With().Str("component", "lock_sweeper").Logger()
	logger.Info().Dur("interval", s.sweepInterval).Msg("starting lock sweeper")

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down lock sweeper")
			return
		case <-ticker.C:
			if _, err := s.service.CleanupExpired(ctx); err != nil {
				logger.Error().Err(err).Msg("failed to clean up expired locks")
			}
		}
	}
}
