package sink

import (
	"context"

	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"go.uber.org/zap"
)

// LogSink writes events to the application log. It is the default for local
// runs where no broker is available.
type LogSink struct {
	log *zap.Logger
}

func NewLogSink(log *zap.Logger) *LogSink {
	return &LogSink{log: log.Named("billingevent.sink")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Publish(_ context.Context, event domain.BillingEvent) error {
	s.log.Info("billing event",
		zap.String("event_id", event.ID.String()),
		zap.String("subscription_id", event.SubscriptionID.String()),
		zap.String("event_type", event.EventType),
		zap.String("idempotency_key", event.IdempotencyKey),
		zap.ByteString("payload", event.Payload),
	)
	return nil
}

func (s *LogSink) Close() error { return nil }
