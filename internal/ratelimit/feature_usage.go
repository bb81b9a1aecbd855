package ratelimit

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/nestbill/internal/config"
)

// FeatureUsageLimiter caps how fast a single subscription can record trial
// feature usage. A nil limiter allows everything.
type FeatureUsageLimiter struct {
	bucket *Bucket
}

func NewFeatureUsageLimiter(cfg config.Config, client *redis.Client) (*FeatureUsageLimiter, error) {
	if !cfg.RateLimit.Enabled || client == nil {
		return nil, nil
	}
	bucket, err := NewBucket(client, cfg.RateLimit.FeatureUsageRPS, cfg.RateLimit.FeatureUsageBurst)
	if err != nil {
		return nil, err
	}
	return &FeatureUsageLimiter{bucket: bucket}, nil
}

func (l *FeatureUsageLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *FeatureUsageLimiter) Allow(ctx context.Context, subscriptionID string) (Decision, error) {
	if !l.Enabled() {
		return Decision{Allowed: true}, nil
	}
	return l.bucket.Take(ctx, "feature:usage:subscription:"+subscriptionID)
}
