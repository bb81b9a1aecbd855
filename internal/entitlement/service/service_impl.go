package service

import (
	"context"
	_ "embed"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/nestbill/internal/entitlement/domain"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

//go:embed model.conf
var modelText string

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	Enforcer      *casbin.SyncedEnforcer
	Subscriptions subscriptiondomain.Service
}

type Service struct {
	log           *zap.Logger
	enforcer      *casbin.SyncedEnforcer
	subscriptions subscriptiondomain.Service
}

// NewEnforcer compiles the feature catalog into an in-memory enforcer.
func NewEnforcer() (*casbin.SyncedEnforcer, error) {
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}
	if _, err := enforcer.AddPolicies(policies()); err != nil {
		return nil, err
	}
	return enforcer, nil
}

func NewService(p ServiceParam) domain.Gate {
	return &Service{
		log:           p.Log.Named("entitlement.service"),
		enforcer:      p.Enforcer,
		subscriptions: p.Subscriptions,
	}
}

func (s *Service) IsAllowed(snapshot *subscriptiondomain.Subscription, featureKey string) bool {
	key := slug.Make(featureKey)
	if key == "" {
		return false
	}
	state, tier := requestFor(snapshot)
	allowed, err := s.enforcer.Enforce(state, tier, key)
	if err != nil {
		s.log.Error("entitlement enforce failed",
			zap.String("state", state),
			zap.String("feature_key", key),
			zap.Error(err),
		)
		return false
	}
	return allowed
}

// Check loads the subscription and evaluates featureKey against it.
func (s *Service) Check(ctx context.Context, subscriptionID snowflake.ID, featureKey string) (domain.Decision, error) {
	key := slug.Make(featureKey)
	if key == "" {
		return domain.Decision{}, domain.ErrInvalidFeatureKey
	}

	subscription, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return domain.Decision{}, err
	}

	state, tier := requestFor(&subscription)
	decision := domain.Decision{
		SubscriptionID: subscriptionID,
		FeatureKey:     key,
		State:          state,
		Tier:           tier,
		Allowed:        s.IsAllowed(&subscription, key),
	}
	logger.WithContext(ctx, s.log).Debug("entitlement checked",
		zap.String("subscription_id", subscriptionID.String()),
		zap.String("feature_key", key),
		zap.Bool("allowed", decision.Allowed),
	)
	return decision, nil
}

func (s *Service) Catalog() []domain.Feature {
	out := make([]domain.Feature, len(catalog))
	copy(out, catalog)
	return out
}

func requestFor(snapshot *subscriptiondomain.Subscription) (string, string) {
	if snapshot == nil {
		return domain.StateNone, ""
	}
	return string(snapshot.Status), strings.ToLower(strings.TrimSpace(snapshot.PlanTier))
}
