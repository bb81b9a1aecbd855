package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertAttempt(ctx context.Context, db *gorm.DB, attempt *PaymentAttempt) error
	FindLastSucceeded(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*PaymentAttempt, error)
	FindAttemptByGatewayRef(ctx context.Context, db *gorm.DB, provider, gatewayRef string) (*PaymentAttempt, error)
	ListAttempts(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]PaymentAttempt, error)

	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID *snowflake.ID, processedAt time.Time) error
}

// WebhookService ingests gateway deliveries.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (IngestResult, error)
}

type IngestResult struct {
	EventID   string           `json:"event_id"`
	Kind      PaymentEventKind `json:"kind"`
	Duplicate bool             `json:"duplicate"`
}
