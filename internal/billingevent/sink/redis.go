package sink

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
)

const defaultStreamMaxLen = 100000

// RedisStreamSink appends events to a Redis stream, trimmed approximately to
// maxLen entries.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewRedisStreamSink(client *redis.Client, stream string) (*RedisStreamSink, error) {
	stream = strings.TrimSpace(stream)
	if client == nil || stream == "" {
		return nil, domain.ErrSinkNotConfigured
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}, nil
}

func (s *RedisStreamSink) Name() string { return "redis" }

func (s *RedisStreamSink) Publish(ctx context.Context, event domain.BillingEvent) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":              event.ID.String(),
			"subscription_id": event.SubscriptionID.String(),
			"event_type":      event.EventType,
			"idempotency_key": event.IdempotencyKey,
			"payload":         string(event.Payload),
		},
	}).Err()
}

// Close leaves the shared client open; its owner closes it.
func (s *RedisStreamSink) Close() error { return nil }
