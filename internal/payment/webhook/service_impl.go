package webhook

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/clock"
	obscontext "github.com/smallbiznis/nestbill/internal/observability/context"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	"github.com/smallbiznis/nestbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/pkg/masking"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Metrics  *metrics.Metrics `optional:"true"`
	Gateways paymentdomain.GatewayRegistry
	Repo     paymentdomain.Repository

	Subscriptions subscriptiondomain.Service
	Recovery      recoverydomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	metrics  *metrics.Metrics
	gateways paymentdomain.GatewayRegistry
	repo     paymentdomain.Repository

	subscriptions subscriptiondomain.Service
	recovery      recoverydomain.Service
}

func NewService(p Params) paymentdomain.WebhookService {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("payment.webhook"),
		genID:    p.GenID,
		clock:    p.Clock,
		metrics:  p.Metrics,
		gateways: p.Gateways,
		repo:     p.Repo,

		subscriptions: p.Subscriptions,
		recovery:      p.Recovery,
	}
}

// IngestWebhook verifies and records a gateway delivery, then reconciles it
// with the subscription it belongs to. A delivery whose event id was already
// processed is acknowledged without side effects.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.IngestResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.IngestResult{}, paymentdomain.ErrInvalidProvider
	}
	if s.gateways == nil {
		return paymentdomain.IngestResult{}, paymentdomain.ErrProviderNotFound
	}
	gateway, err := s.gateways.Get(provider)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}

	ctx = obscontext.WithActor(ctx, "gateway", provider)
	log := logger.WithContext(ctx, s.log).With(zap.String("provider", provider))

	event, err := gateway.ParseWebhook(ctx, payload, headers)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrUnsupportedEventType) {
			log.Info("payment webhook ignored", zap.Error(err))
		} else {
			log.Warn("payment webhook rejected", zap.Error(err))
		}
		return paymentdomain.IngestResult{}, err
	}
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	log = log.With(
		zap.String("provider_event_id", event.ProviderEventID),
		zap.String("event_kind", string(event.Kind)),
	)
	result := paymentdomain.IngestResult{EventID: event.ProviderEventID, Kind: event.Kind}

	record, err := s.store(ctx, event)
	if err != nil {
		return paymentdomain.IngestResult{}, err
	}
	if record.ProcessedAt != nil {
		s.metrics.RecordDuplicatePaymentEvent(ctx, provider)
		log.Info("duplicate payment webhook", zap.Time("processed_at", *record.ProcessedAt))
		result.Duplicate = true
		return result, nil
	}
	s.metrics.RecordPaymentEvent(ctx, provider, string(event.Kind))

	subscription, err := s.resolveSubscription(ctx, event)
	if err != nil {
		if !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return paymentdomain.IngestResult{}, err
		}
		log.Warn("payment webhook has no matching subscription", zap.String("customer_ref", masking.Secret(event.CustomerRef)))
		if err := s.repo.MarkProcessed(ctx, s.db, record.ID, nil, s.clock.Now()); err != nil {
			return paymentdomain.IngestResult{}, err
		}
		return result, nil
	}

	switch event.Kind {
	case paymentdomain.EventChargeSucceeded, paymentdomain.EventChargeFailed:
		err = s.recovery.RecordExternalOutcome(ctx, subscription.ID, recoverydomain.ExternalOutcome{
			Succeeded:   event.Kind == paymentdomain.EventChargeSucceeded,
			GatewayRef:  event.GatewayRef,
			FailureCode: event.FailureCode,
			Amount:      event.Amount,
			OccurredAt:  event.OccurredAt,
		})
		if err != nil {
			log.Error("reconcile payment webhook failed",
				zap.String("subscription_id", subscription.ID.String()),
				zap.Error(err),
			)
			return paymentdomain.IngestResult{}, err
		}
	case paymentdomain.EventChargeRefunded:
		log.Info("gateway refund recorded",
			zap.String("subscription_id", subscription.ID.String()),
			zap.Int64("amount", event.Amount),
		)
	}

	subscriptionID := subscription.ID
	if err := s.repo.MarkProcessed(ctx, s.db, record.ID, &subscriptionID, s.clock.Now()); err != nil {
		return paymentdomain.IngestResult{}, err
	}
	return result, nil
}

// store inserts the delivery, or loads the earlier row for the same event id.
func (s *Service) store(ctx context.Context, event *paymentdomain.PaymentEvent) (*paymentdomain.EventRecord, error) {
	record := &paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventKind:       event.Kind,
		GatewayRef:      subscriptiondomain.StringPtr(event.GatewayRef),
		Payload:         datatypes.JSON(event.RawPayload),
		ReceivedAt:      s.clock.Now().UTC(),
	}
	inserted, err := s.repo.InsertEvent(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		return record, nil
	}

	existing, err := s.repo.FindEvent(ctx, s.db, event.Provider, event.ProviderEventID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}
	return existing, nil
}

func (s *Service) resolveSubscription(ctx context.Context, event *paymentdomain.PaymentEvent) (subscriptiondomain.Subscription, error) {
	if event.CustomerRef != "" {
		subscription, err := s.subscriptions.FindByGatewayCustomer(ctx, event.Provider, event.CustomerRef)
		if err == nil || !errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return subscription, err
		}
	}
	if event.GatewayRef == "" {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	attempt, err := s.repo.FindAttemptByGatewayRef(ctx, s.db, event.Provider, event.GatewayRef)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if attempt == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return s.subscriptions.Get(ctx, attempt.SubscriptionID)
}
