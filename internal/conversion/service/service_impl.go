package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	conversiondomain "github.com/smallbiznis/nestbill/internal/conversion/domain"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	"github.com/smallbiznis/nestbill/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
	"github.com/smallbiznis/nestbill/pkg/masking"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Billing *config.BillingConfigHolder
	Metrics *metrics.Metrics `optional:"true"`

	Subscriptions subscriptiondomain.Service
	InvoiceRepo   invoicedomain.Repository
	PaymentRepo   paymentdomain.Repository
	Gateways      paymentdomain.GatewayRegistry
	Tax           taxdomain.Calculator
}

type Service struct {
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder
	metrics *metrics.Metrics

	subscriptions subscriptiondomain.Service
	invoiceRepo   invoicedomain.Repository
	paymentRepo   paymentdomain.Repository
	gateways      paymentdomain.GatewayRegistry
	tax           taxdomain.Calculator
}

func NewService(p ServiceParam) conversiondomain.Service {
	return &Service{
		log:     p.Log.Named("conversion.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,
		metrics: p.Metrics,

		subscriptions: p.Subscriptions,
		invoiceRepo:   p.InvoiceRepo,
		paymentRepo:   p.PaymentRepo,
		gateways:      p.Gateways,
		tax:           p.Tax,
	}
}

func (s *Service) ConvertToPaid(ctx context.Context, req conversiondomain.ConvertRequest) (conversiondomain.ConvertResult, error) {
	token := strings.TrimSpace(req.PaymentMethodToken)
	if token == "" {
		return conversiondomain.ConvertResult{}, conversiondomain.ErrMissingPaymentMethod
	}
	if strings.TrimSpace(req.Jurisdiction) == "" {
		return conversiondomain.ConvertResult{}, conversiondomain.ErrMissingJurisdiction
	}

	subscription, err := s.subscriptions.Get(ctx, req.SubscriptionID)
	if err != nil {
		return conversiondomain.ConvertResult{}, err
	}

	cfg := s.billing.Get()
	now := s.clock.Now().UTC()
	reason, err := conversionReason(subscription, now, cfg.LateConversionWindow())
	if err != nil {
		return conversiondomain.ConvertResult{}, err
	}

	amount, ok := cfg.PlanAmount(subscription.PlanTier, subscription.Cadence)
	if !ok {
		return conversiondomain.ConvertResult{}, subscriptiondomain.ErrInvalidPlanTier
	}
	breakdown, err := s.tax.Calculate(req.Jurisdiction, amount)
	if err != nil {
		return conversiondomain.ConvertResult{}, err
	}

	periodEnd := subscriptiondomain.NextPeriodEnd(now, subscription.Cadence)
	invoice := invoicedomain.Build(s.genID, invoicedomain.BuildParams{
		SubscriptionID: subscription.ID,
		PeriodStart:    now,
		PeriodEnd:      periodEnd,
		Currency:       cfg.Currency,
		Status:         invoicedomain.InvoiceStatusFinal,
		Breakdown:      breakdown,
		Now:            now,
	})

	log := logger.WithContext(ctx, s.log).With(
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("plan_tier", subscription.PlanTier),
		zap.String("jurisdiction", breakdown.Jurisdiction),
		zap.String("payment_method", masking.Secret(token)),
	)

	gateway, err := s.gateways.Default()
	if err != nil {
		return conversiondomain.ConvertResult{}, err
	}

	customer, err := gateway.CreateCustomer(ctx, paymentdomain.CreateCustomerRequest{
		FamilyID:           subscription.FamilyID,
		SubscriptionID:     subscription.ID.String(),
		PaymentMethodToken: token,
		IdempotencyKey:     fmt.Sprintf("customer-%d-%d", subscription.ID, subscription.Version),
	})
	if err != nil {
		return conversiondomain.ConvertResult{}, s.chargeError(ctx, log, subscription, err)
	}

	charge, err := gateway.Charge(ctx, paymentdomain.ChargeRequest{
		CustomerRef:      customer.CustomerRef,
		PaymentMethodRef: customer.PaymentMethodRef,
		Amount:           invoice.Total,
		Currency:         invoice.Currency,
		IdempotencyKey:   fmt.Sprintf("convert-%d-%d", subscription.ID, subscription.Version),
		Description:      fmt.Sprintf("%s %s subscription", subscription.PlanTier, subscription.Cadence),
		Metadata:         map[string]string{"subscription_id": subscription.ID.String()},
	})
	if err != nil {
		return conversiondomain.ConvertResult{}, s.chargeError(ctx, log, subscription, err)
	}

	attempt := &paymentdomain.PaymentAttempt{
		ID:              s.genID.Generate(),
		SubscriptionID:  subscription.ID,
		InvoiceID:       invoice.ID,
		Amount:          invoice.Total,
		Currency:        invoice.Currency,
		GatewayProvider: gateway.Provider(),
		GatewayRef:      charge.GatewayRef,
		Outcome:         charge.Outcome,
		AttemptNumber:   1,
		AttemptedAt:     now,
	}
	if attempt.Outcome == "" {
		attempt.Outcome = paymentdomain.OutcomeSucceeded
	}

	updated, err := s.subscriptions.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: subscription.ID,
		Expected:       subscription.Status,
		Target:         subscriptiondomain.StatusActive,
		Reason:         reason,
		Apply: func(next *subscriptiondomain.Subscription) error {
			if next.Version != subscription.Version {
				// Someone else moved the row after the charge was keyed.
				return subscriptiondomain.ErrConcurrentModification
			}
			next.CurrentPeriodStart = subscriptiondomain.TimePtr(now)
			next.CurrentPeriodEnd = subscriptiondomain.TimePtr(periodEnd)
			next.Jurisdiction = subscriptiondomain.StringPtr(breakdown.Jurisdiction)
			next.GatewayProvider = subscriptiondomain.StringPtr(gateway.Provider())
			next.GatewayCustomerRef = subscriptiondomain.StringPtr(customer.CustomerRef)
			next.PaymentMethodRef = subscriptiondomain.StringPtr(customer.PaymentMethodRef)
			next.CancellationEffectiveAt = nil
			next.NonRenewing = false
			return nil
		},
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			if err := s.invoiceRepo.Insert(ctx, tx, invoice); err != nil {
				return err
			}
			return s.paymentRepo.InsertAttempt(ctx, tx, attempt)
		},
		EventPayload: map[string]any{
			"invoice_id":   invoice.ID.String(),
			"amount":       invoice.Total,
			"currency":     invoice.Currency,
			"jurisdiction": breakdown.Jurisdiction,
			"period_start": now.Format(time.RFC3339),
			"period_end":   periodEnd.Format(time.RFC3339),
		},
	})
	if err != nil {
		s.compensate(ctx, log, gateway, subscription, charge, invoice.Total)
		s.metrics.RecordConversion(ctx, subscription.PlanTier, "failed")
		return conversiondomain.ConvertResult{}, err
	}

	s.metrics.RecordConversion(ctx, subscription.PlanTier, string(reason))
	log.Info("subscription converted",
		zap.String("reason", string(reason)),
		zap.String("invoice_id", invoice.ID.String()),
		zap.Int64("total", invoice.Total),
	)
	return conversiondomain.ConvertResult{Subscription: updated, Invoice: *invoice}, nil
}

// conversionReason decides whether subscription may convert at now. Trials
// that ended but were not swept yet follow the late window as well.
func conversionReason(subscription subscriptiondomain.Subscription, now time.Time, lateWindow time.Duration) (subscriptiondomain.TransitionReason, error) {
	switch subscription.Status {
	case subscriptiondomain.StatusTrialing:
		if !subscription.TrialEnded(now) {
			return subscriptiondomain.ReasonConverted, nil
		}
	case subscriptiondomain.StatusExpired:
	default:
		return "", subscriptiondomain.ErrInvalidTransition
	}

	if subscription.TrialEndsAt == nil || !now.Before(subscription.TrialEndsAt.Add(lateWindow)) {
		return "", conversiondomain.ErrConversionWindowClosed
	}
	return subscriptiondomain.ReasonLateConverted, nil
}

func (s *Service) chargeError(ctx context.Context, log *zap.Logger, subscription subscriptiondomain.Subscription, err error) error {
	if reason, declined := paymentdomain.DeclineReason(err); declined {
		s.metrics.RecordConversion(ctx, subscription.PlanTier, "declined")
		log.Info("conversion charge declined", zap.String("reason_code", reason))
		return err
	}
	s.metrics.RecordConversion(ctx, subscription.PlanTier, "gateway_error")
	log.Error("conversion charge failed", zap.Error(err))
	return fmt.Errorf("convert subscription %s: %w", subscription.ID, err)
}

// compensate refunds a charge whose state change could not be persisted.
func (s *Service) compensate(
	ctx context.Context,
	log *zap.Logger,
	gateway paymentdomain.Gateway,
	subscription subscriptiondomain.Subscription,
	charge paymentdomain.ChargeResult,
	amount int64,
) {
	refund, err := gateway.Refund(ctx, paymentdomain.RefundRequest{
		ChargeRef:      charge.GatewayRef,
		Amount:         amount,
		IdempotencyKey: fmt.Sprintf("convert-refund-%d-%d", subscription.ID, subscription.Version),
	})
	if err != nil {
		log.Error("conversion compensation refund failed",
			zap.String("charge_ref", charge.GatewayRef),
			zap.Error(err),
		)
		return
	}
	log.Warn("conversion rolled back, charge refunded",
		zap.String("charge_ref", charge.GatewayRef),
		zap.String("refund_ref", refund.GatewayRef),
	)
}
