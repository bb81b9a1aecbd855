// Package domain contains trial usage tracking types.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"gorm.io/gorm"
)

// UsageEvent is an append-only record that a trial touched a feature. Rows
// within the same bucket collapse into one.
type UsageEvent struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null"`
	FeatureKey     string       `json:"feature_key" gorm:"type:text;not null"`
	BucketStart    time.Time    `json:"bucket_start" gorm:"not null"`
	OccurredAt     time.Time    `json:"occurred_at" gorm:"not null"`
}

func (UsageEvent) TableName() string { return "trial_usage_events" }

type UsageResult struct {
	FeatureKey       string `json:"feature_key"`
	Recorded         bool   `json:"recorded"`
	FeaturesExplored int64  `json:"features_explored"`
}

type Progress struct {
	SubscriptionID   snowflake.ID                          `json:"subscription_id"`
	Status           subscriptiondomain.SubscriptionStatus `json:"status"`
	TrialEndsAt      *time.Time                            `json:"trial_ends_at,omitempty"`
	DaysRemaining    int                                   `json:"days_remaining"`
	FeaturesExplored int64                                 `json:"features_explored"`
}

type Repository interface {
	// Insert reports false when the bucket already holds the same feature.
	Insert(ctx context.Context, db *gorm.DB, event *UsageEvent) (bool, error)
	CountDistinctFeatures(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (int64, error)
}

type Service interface {
	RecordFeatureUsage(ctx context.Context, subscriptionID snowflake.ID, featureKey string) (UsageResult, error)
	CheckExpiry(subscription subscriptiondomain.Subscription) bool
	Progress(ctx context.Context, subscriptionID snowflake.ID) (Progress, error)
}

var (
	ErrTrialNotActive    = errors.New("trial_not_active")
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrRateLimited       = errors.New("rate_limited")
)
