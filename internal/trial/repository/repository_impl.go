package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/trial/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.UsageEvent) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO trial_usage_events (id, subscription_id, feature_key, bucket_start, occurred_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (subscription_id, feature_key, bucket_start) DO NOTHING`,
		event.ID,
		event.SubscriptionID,
		event.FeatureKey,
		event.BucketStart,
		event.OccurredAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CountDistinctFeatures(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(DISTINCT feature_key) FROM trial_usage_events WHERE subscription_id = ?`,
		subscriptionID,
	).Scan(&count).Error
	return count, err
}
