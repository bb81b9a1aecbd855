package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	"github.com/smallbiznis/nestbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const noSubscription = "no_subscription"

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics

	repo        subscriptiondomain.Repository
	eventRepo   billingeventdomain.Repository
	cycleRepo   recoverydomain.Repository
	invoiceRepo invoicedomain.Repository
	paymentRepo paymentdomain.Repository
	gateways    paymentdomain.GatewayRegistry
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Metrics *metrics.Metrics `optional:"true"`

	Repo        subscriptiondomain.Repository
	EventRepo   billingeventdomain.Repository
	CycleRepo   recoverydomain.Repository
	InvoiceRepo invoicedomain.Repository
	PaymentRepo paymentdomain.Repository
	Gateways    paymentdomain.GatewayRegistry `optional:"true"`
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
		metrics: p.Metrics,

		repo:        p.Repo,
		eventRepo:   p.EventRepo,
		cycleRepo:   p.CycleRepo,
		invoiceRepo: p.InvoiceRepo,
		paymentRepo: p.PaymentRepo,
		gateways:    p.Gateways,
	}
}

func (s *Service) StartTrial(ctx context.Context, req subscriptiondomain.StartTrialRequest) (subscriptiondomain.Subscription, error) {
	familyID := strings.TrimSpace(req.FamilyID)
	if familyID == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidFamily
	}

	cfg := s.billing.Get()
	tier := strings.ToLower(strings.TrimSpace(req.PlanTier))
	if tier == "" || !cfg.HasTier(tier) {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPlanTier
	}
	cadence := strings.ToLower(strings.TrimSpace(req.Cadence))
	if cadence == "" {
		cadence = config.CadenceMonthly
	}
	if _, ok := cfg.PlanAmount(tier, cadence); !ok {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidCadence
	}

	existing, err := s.repo.FindLiveByFamily(ctx, s.db, familyID)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if existing != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrAlreadySubscribed
	}

	now := s.clock.Now().UTC()
	trialEnd := now.Add(cfg.TrialDuration())
	subscription := subscriptiondomain.Subscription{
		ID:            s.genID.Generate(),
		FamilyID:      familyID,
		Status:        subscriptiondomain.StatusTrialing,
		PlanTier:      tier,
		Cadence:       cadence,
		TrialStartsAt: &now,
		TrialEndsAt:   &trialEnd,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, &subscription); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrAlreadySubscribed
			}
			return err
		}
		return s.emit(ctx, tx, &subscription, noSubscription, subscriptiondomain.ReasonTrialStarted, map[string]any{
			"plan_tier":     tier,
			"cadence":       cadence,
			"trial_ends_at": trialEnd.Format(time.RFC3339),
		})
	})
	if err != nil {
		s.metrics.RecordTransitionError(ctx, string(subscriptiondomain.StatusTrialing), errorType(err))
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.RecordTransition(ctx, noSubscription, string(subscription.Status), string(subscriptiondomain.ReasonTrialStarted))
	logger.WithContext(ctx, s.log).Info("trial started",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("family_id", familyID),
		zap.String("plan_tier", tier),
		zap.Time("trial_ends_at", trialEnd),
	)
	return subscription, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	if id == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}
	item, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

func (s *Service) FindByGatewayCustomer(ctx context.Context, provider, customerRef string) (subscriptiondomain.Subscription, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	customerRef = strings.TrimSpace(customerRef)
	if provider == "" || customerRef == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	item, err := s.repo.FindByGatewayCustomer(ctx, s.db, provider, customerRef)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *item, nil
}

// Transition is the only write path for subscription status. The update is
// guarded by (status, version); a lost race re-reads and retries a bounded
// number of times.
func (s *Service) Transition(ctx context.Context, req subscriptiondomain.TransitionRequest) (subscriptiondomain.Subscription, error) {
	if req.SubscriptionID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}
	if !req.Target.Valid() || req.Reason == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidRequest
	}

	retries := s.billing.Get().ConcurrencyRetries
	for attempt := 0; attempt <= retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return subscriptiondomain.Subscription{}, err
		}

		updated, swapped, err := s.tryTransition(ctx, req)
		if err != nil {
			s.metrics.RecordTransitionError(ctx, string(req.Target), errorType(err))
			return subscriptiondomain.Subscription{}, err
		}
		if swapped {
			s.metrics.RecordTransition(ctx, string(req.Expected), string(req.Target), string(req.Reason))
			logger.WithContext(ctx, s.log).Info("subscription transitioned",
				zap.String("subscription_id", updated.ID.String()),
				zap.String("from", string(req.Expected)),
				zap.String("to", string(req.Target)),
				zap.String("reason", string(req.Reason)),
				zap.Int64("version", updated.Version),
			)
			return updated, nil
		}

		logger.WithContext(ctx, s.log).Debug("subscription transition lost race",
			zap.String("subscription_id", req.SubscriptionID.String()),
			zap.Int("attempt", attempt+1),
		)
	}

	s.metrics.RecordTransitionError(ctx, string(req.Target), errorType(subscriptiondomain.ErrConcurrentModification))
	return subscriptiondomain.Subscription{}, subscriptiondomain.ErrConcurrentModification
}

func (s *Service) tryTransition(ctx context.Context, req subscriptiondomain.TransitionRequest) (subscriptiondomain.Subscription, bool, error) {
	current, err := s.repo.FindByID(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return subscriptiondomain.Subscription{}, false, err
	}
	if current == nil {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrSubscriptionNotFound
	}
	if current.Status != req.Expected || !subscriptiondomain.CanTransition(req.Expected, req.Target) {
		return subscriptiondomain.Subscription{}, false, subscriptiondomain.ErrInvalidTransition
	}

	next := *current
	next.Status = req.Target
	next.UpdatedAt = s.clock.Now().UTC()
	if req.Apply != nil {
		if err := req.Apply(&next); err != nil {
			return subscriptiondomain.Subscription{}, false, err
		}
	}
	next.ID = current.ID
	next.Status = req.Target

	swapped := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.CompareAndSwap(ctx, tx, &next, current.Status, current.Version)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return subscriptiondomain.ErrAlreadySubscribed
			}
			return err
		}
		if rows == 0 {
			return nil
		}
		swapped = true
		next.Version = current.Version + 1

		if req.Within != nil {
			if err := req.Within(tx, &next); err != nil {
				return err
			}
		}
		return s.emit(ctx, tx, &next, string(current.Status), req.Reason, req.EventPayload)
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, false, err
	}
	return next, swapped, nil
}

// emit writes the outbox row for a committed change. The idempotency key is
// derived from the row version, so a replayed write cannot publish twice.
func (s *Service) emit(
	ctx context.Context,
	tx *gorm.DB,
	subscription *subscriptiondomain.Subscription,
	from string,
	reason subscriptiondomain.TransitionReason,
	extra map[string]any,
) error {
	payload := map[string]any{
		"family_id": subscription.FamilyID,
		"from":      from,
		"to":        string(subscription.Status),
		"reason":    string(reason),
		"version":   subscription.Version,
	}
	for k, v := range extra {
		payload[k] = v
	}

	event, err := billingeventdomain.New(
		s.genID.Generate(),
		subscription.ID,
		"subscription."+string(reason),
		fmt.Sprintf("subscription-%d-v%d", subscription.ID, subscription.Version),
		payload,
		s.clock.Now(),
	)
	if err != nil {
		return err
	}
	_, err = s.eventRepo.Insert(ctx, tx, event)
	return err
}

func (s *Service) ListDueRenewals(ctx context.Context, now time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	return s.repo.ListDueRenewals(ctx, s.db, now, normalizeLimit(limit))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, subscriptiondomain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, subscriptiondomain.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, subscriptiondomain.ErrAlreadySubscribed):
		return "already_subscribed"
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound):
		return "not_found"
	case errors.Is(err, paymentdomain.ErrPaymentDeclined):
		return "payment_declined"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "context"
	}
	return "internal"
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
