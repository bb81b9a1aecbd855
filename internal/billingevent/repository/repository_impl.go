package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.BillingEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO billing_events (
			id, subscription_id, event_type, idempotency_key, payload, created_at, published_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		event.ID,
		event.SubscriptionID,
		event.EventType,
		event.IdempotencyKey,
		event.Payload,
		event.CreatedAt,
		event.PublishedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListUnpublished(ctx context.Context, db *gorm.DB, limit int) ([]domain.BillingEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []domain.BillingEvent
	err := db.WithContext(ctx).Raw(
		`SELECT id, subscription_id, event_type, idempotency_key, payload, created_at, published_at
		 FROM billing_events
		 WHERE published_at IS NULL
		 ORDER BY id ASC
		 LIMIT ?`,
		limit,
	).Scan(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) MarkPublished(ctx context.Context, db *gorm.DB, id snowflake.ID, publishedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE billing_events
		 SET published_at = ?
		 WHERE id = ? AND published_at IS NULL`,
		publishedAt,
		id,
	).Error
}
