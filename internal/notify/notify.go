package notify

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/Themath93/stock-manager-sub000/internal/gateway"
)

// LogSink is a NotificationSink that writes events to the structured log.
// Deployments that push to chat or webhooks implement the same interface.
type LogSink struct{}

func NewLogSink() *LogSink {
	return &LogSink{}
}

func (s *LogSink) Publish(ctx context.Context, event gateway.Event) error {
	log.Info().
		Str("kind", event.Kind).
		Str("worker_id", event.WorkerID).
		Str("symbol", event.Symbol).
		Str("order_id", event.OrderID).
		Str("detail", event.Detail).
		Msg("event")
	return nil
}
