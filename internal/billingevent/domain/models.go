package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BillingEvent is an outbox row written in the same transaction as the
// subscription change it describes.
type BillingEvent struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID   `json:"subscription_id" gorm:"not null;index"`
	EventType      string         `json:"event_type" gorm:"type:text;not null"`
	IdempotencyKey string         `json:"idempotency_key" gorm:"type:text;not null;uniqueIndex"`
	Payload        datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null"`
	PublishedAt    *time.Time     `json:"published_at,omitempty"`
}

// TableName sets the database table name.
func (BillingEvent) TableName() string { return "billing_events" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *BillingEvent) (bool, error)
	ListUnpublished(ctx context.Context, db *gorm.DB, limit int) ([]BillingEvent, error)
	MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, publishedAt time.Time) error
}

// Sink delivers published billing events to downstream consumers.
type Sink interface {
	Name() string
	Publish(ctx context.Context, event BillingEvent) error
	Close() error
}

// Relay drains the outbox into the configured sink in id order.
type Relay interface {
	PublishPending(ctx context.Context, limit int) (int, error)
}

// Envelope is the wire form every sink emits.
type Envelope struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

func (e BillingEvent) Envelope() Envelope {
	return Envelope{
		ID:             e.ID.String(),
		SubscriptionID: e.SubscriptionID.String(),
		EventType:      e.EventType,
		IdempotencyKey: e.IdempotencyKey,
		Payload:        json.RawMessage(e.Payload),
		CreatedAt:      e.CreatedAt.UTC(),
	}
}

// Marshal encodes the envelope as JSON.
func (e BillingEvent) Marshal() ([]byte, error) {
	return json.Marshal(e.Envelope())
}

var (
	ErrInvalidEvent      = errors.New("invalid_billing_event")
	ErrSinkNotConfigured = errors.New("billing_event_sink_not_configured")
	ErrUnsupportedSink   = errors.New("unsupported_billing_event_sink")
)

// New builds an outbox row. The payload gains a ULID event_id so consumers
// have a sortable identifier independent of the snowflake primary key.
func New(id snowflake.ID, subscriptionID snowflake.ID, eventType, idempotencyKey string, payload map[string]any, now time.Time) (*BillingEvent, error) {
	if id == 0 || subscriptionID == 0 || eventType == "" || idempotencyKey == "" {
		return nil, ErrInvalidEvent
	}
	body := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		body[k] = v
	}
	body["event_id"] = ulid.MustNew(ulid.Timestamp(now), ulid.DefaultEntropy()).String()
	body["subscription_id"] = subscriptionID.String()
	body["occurred_at"] = now.UTC().Format(time.RFC3339Nano)

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return &BillingEvent{
		ID:             id,
		SubscriptionID: subscriptionID,
		EventType:      eventType,
		IdempotencyKey: idempotencyKey,
		Payload:        datatypes.JSON(raw),
		CreatedAt:      now.UTC(),
	}, nil
}
