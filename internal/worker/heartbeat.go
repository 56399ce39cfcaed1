package worker

import (
	"context"
	"time"
)

// runHeartbeat keeps the worker's liveness visible to the fleet. It runs on
// its own ticker, never interleaved with the trading loop, so a slow
// iteration cannot starve it into a false-positive crash detection.
//
// Two conditions force the worker out:
//   - the store rejects the heartbeat (we were declared CRASHED), or
//   - the store is unreachable for more than HeartbeatGrace consecutive
//     beats, at which point we can no longer guarantee our locks are valid
//     and self-stopping beats trading blind.
func (w *Worker) runHeartbeat(ctx context.Context, selfExit context.CancelFunc) {
	logger := w.logger.With().Str("subsystem", "heartbeat").Logger()
	logger.Info().Dur("interval", w.cfg.HeartbeatInterval).Msg("heartbeat runner started")

	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("heartbeat runner stopping")
			return
		case <-ticker.C:
		}

		alive, err := w.lifecycle.Heartbeat(ctx, w.cfg.WorkerID)
		if err == nil && alive {
			failures = 0
			if symbol := w.held(); symbol != "" {
				if _, lerr := w.locks.Heartbeat(ctx, symbol, w.cfg.WorkerID); lerr != nil {
					logger.Warn().Err(lerr).Str("symbol", symbol).Msg("lock heartbeat failed")
				}
			}
			continue
		}

		if err == nil && !alive {
			logger.Error().Msg("fleet declared this worker crashed; exiting")
			selfExit()
			return
		}

		failures++
		logger.Warn().Err(err).Int("consecutive_failures", failures).Msg("heartbeat failed")
		if failures > w.cfg.HeartbeatGrace {
			logger.Error().
				Int("grace", w.cfg.HeartbeatGrace).
				Msg("heartbeat grace exhausted, worker treating itself as compromised")
			selfExit()
			return
		}
	}
}
