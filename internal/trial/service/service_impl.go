package service

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	"github.com/smallbiznis/nestbill/internal/observability/metrics"
	"github.com/smallbiznis/nestbill/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	trialdomain "github.com/smallbiznis/nestbill/internal/trial/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Metrics *metrics.Metrics               `optional:"true"`
	Limiter *ratelimit.FeatureUsageLimiter `optional:"true"`

	Repo          trialdomain.Repository
	Subscriptions subscriptiondomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics
	limiter *ratelimit.FeatureUsageLimiter

	repo          trialdomain.Repository
	subscriptions subscriptiondomain.Service
}

func NewService(p ServiceParam) trialdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("trial.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
		metrics: p.Metrics,
		limiter: p.Limiter,

		repo:          p.Repo,
		subscriptions: p.Subscriptions,
	}
}

// RecordFeatureUsage appends a usage event for a live trial. A trial whose
// window already closed is expired on the spot and the call is rejected.
func (s *Service) RecordFeatureUsage(ctx context.Context, subscriptionID snowflake.ID, featureKey string) (trialdomain.UsageResult, error) {
	key := slug.Make(featureKey)
	if key == "" {
		return trialdomain.UsageResult{}, trialdomain.ErrInvalidFeatureKey
	}

	subscription, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return trialdomain.UsageResult{}, err
	}
	if subscription.Status != subscriptiondomain.StatusTrialing {
		return trialdomain.UsageResult{}, trialdomain.ErrTrialNotActive
	}
	if s.CheckExpiry(subscription) {
		if err := s.expire(ctx, subscription); err != nil {
			return trialdomain.UsageResult{}, err
		}
		return trialdomain.UsageResult{}, trialdomain.ErrTrialNotActive
	}

	if s.limiter.Enabled() {
		res, err := s.limiter.Allow(ctx, subscription.ID.String())
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("feature usage limiter unavailable", zap.Error(err))
		} else if !res.Allowed {
			return trialdomain.UsageResult{}, trialdomain.ErrRateLimited
		}
	}

	now := s.clock.Now().UTC()
	event := trialdomain.UsageEvent{
		ID:             s.genID.Generate(),
		SubscriptionID: subscription.ID,
		FeatureKey:     key,
		BucketStart:    now.Truncate(s.billing.Get().UsageBucket),
		OccurredAt:     now,
	}
	recorded, err := s.repo.Insert(ctx, s.db, &event)
	if err != nil {
		return trialdomain.UsageResult{}, err
	}
	s.metrics.RecordFeatureUsage(ctx, subscription.PlanTier, recorded)

	explored, err := s.repo.CountDistinctFeatures(ctx, s.db, subscription.ID)
	if err != nil {
		return trialdomain.UsageResult{}, err
	}
	return trialdomain.UsageResult{FeatureKey: key, Recorded: recorded, FeaturesExplored: explored}, nil
}

// CheckExpiry reports whether the trial window has closed. It never writes.
func (s *Service) CheckExpiry(subscription subscriptiondomain.Subscription) bool {
	return subscription.TrialEnded(s.clock.Now())
}

func (s *Service) Progress(ctx context.Context, subscriptionID snowflake.ID) (trialdomain.Progress, error) {
	subscription, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return trialdomain.Progress{}, err
	}
	explored, err := s.repo.CountDistinctFeatures(ctx, s.db, subscription.ID)
	if err != nil {
		return trialdomain.Progress{}, err
	}

	progress := trialdomain.Progress{
		SubscriptionID:   subscription.ID,
		Status:           subscription.Status,
		TrialEndsAt:      subscription.TrialEndsAt,
		FeaturesExplored: explored,
	}
	if subscription.Status == subscriptiondomain.StatusTrialing && !s.CheckExpiry(subscription) {
		remaining := subscription.TrialEndsAt.Sub(s.clock.Now())
		progress.DaysRemaining = int(math.Ceil(remaining.Hours() / 24))
	}
	return progress, nil
}

func (s *Service) expire(ctx context.Context, subscription subscriptiondomain.Subscription) error {
	_, err := s.subscriptions.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: subscription.ID,
		Expected:       subscriptiondomain.StatusTrialing,
		Target:         subscriptiondomain.StatusExpired,
		Reason:         subscriptiondomain.ReasonTrialExpired,
		EventPayload: map[string]any{
			"trigger": "feature_usage",
		},
	})
	if err != nil && !errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
		return err
	}
	logger.WithContext(ctx, s.log).Info("trial expired on usage",
		zap.String("subscription_id", subscription.ID.String()),
		zap.Duration("overdue", s.clock.Now().Sub(*subscription.TrialEndsAt).Round(time.Second)),
	)
	return nil
}
