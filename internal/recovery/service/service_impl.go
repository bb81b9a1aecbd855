package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
	"github.com/smallbiznis/nestbill/pkg/db"
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

	Repo          recoverydomain.Repository
	Subscriptions subscriptiondomain.Service
	InvoiceRepo   invoicedomain.Repository
	PaymentRepo   paymentdomain.Repository
	Gateways      paymentdomain.GatewayRegistry
	Tax           taxdomain.Calculator
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	billing *config.BillingConfigHolder

	repo          recoverydomain.Repository
	subscriptions subscriptiondomain.Service
	invoiceRepo   invoicedomain.Repository
	paymentRepo   paymentdomain.Repository
	gateways      paymentdomain.GatewayRegistry
	tax           taxdomain.Calculator
}

func NewService(p ServiceParam) recoverydomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("recovery.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		billing: p.Billing,

		repo:          p.Repo,
		subscriptions: p.Subscriptions,
		invoiceRepo:   p.InvoiceRepo,
		paymentRepo:   p.PaymentRepo,
		gateways:      p.Gateways,
		tax:           p.Tax,
	}
}

// ChargeRenewal bills the period that follows current_period_end. Declines
// open a grace period; transport failures leave everything untouched so the
// next sweep tries again with the same idempotency key.
func (s *Service) ChargeRenewal(ctx context.Context, subscription subscriptiondomain.Subscription) (subscriptiondomain.Subscription, error) {
	if subscription.Status != subscriptiondomain.StatusActive ||
		subscription.NonRenewing ||
		subscription.CancellationEffectiveAt != nil ||
		subscription.CurrentPeriodEnd == nil ||
		subscriptiondomain.Deref(subscription.PaymentMethodRef) == "" {
		return subscriptiondomain.Subscription{}, recoverydomain.ErrNotRenewable
	}

	renewal, err := s.nextRenewal(subscription)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	breakdown, err := s.tax.Calculate(renewal.Jurisdiction, renewal.Subtotal)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	gateway, err := s.gateways.Get(subscriptiondomain.Deref(subscription.GatewayProvider))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	charge, err := gateway.Charge(ctx, paymentdomain.ChargeRequest{
		CustomerRef:      subscriptiondomain.Deref(subscription.GatewayCustomerRef),
		PaymentMethodRef: subscriptiondomain.Deref(subscription.PaymentMethodRef),
		Amount:           breakdown.Total,
		Currency:         s.billing.Get().Currency,
		IdempotencyKey:   fmt.Sprintf("renew-%d-%d", subscription.ID, renewal.PeriodStart.Unix()),
		Description:      fmt.Sprintf("%s %s renewal", subscription.PlanTier, subscription.Cadence),
		OffSession:       true,
		Metadata:         map[string]string{"subscription_id": subscription.ID.String()},
	})
	if err != nil {
		if reason, declined := paymentdomain.DeclineReason(err); declined {
			var ref string
			var declinedErr *paymentdomain.PaymentDeclinedError
			if errors.As(err, &declinedErr) {
				ref = declinedErr.GatewayRef
			}
			return s.HandleRecurringFailure(ctx, subscription, renewal, recoverydomain.ChargeFailure{
				GatewayRef:  ref,
				FailureCode: reason,
			})
		}
		return subscriptiondomain.Subscription{}, err
	}

	now := s.clock.Now().UTC()
	invoice := invoicedomain.Build(s.genID, invoicedomain.BuildParams{
		SubscriptionID: subscription.ID,
		PeriodStart:    renewal.PeriodStart,
		PeriodEnd:      renewal.PeriodEnd,
		Currency:       s.billing.Get().Currency,
		Status:         invoicedomain.InvoiceStatusFinal,
		Breakdown:      breakdown,
		Now:            now,
	})
	attempt := s.newAttempt(subscription, invoice, nil, 1, chargeOutcome(charge), charge.GatewayRef, "", now)

	return s.subscriptions.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: subscription.ID,
		Expected:       subscriptiondomain.StatusActive,
		Target:         subscriptiondomain.StatusActive,
		Reason:         subscriptiondomain.ReasonRenewed,
		Apply: func(next *subscriptiondomain.Subscription) error {
			if next.CurrentPeriodEnd == nil || !next.CurrentPeriodEnd.Equal(renewal.PeriodStart) {
				return recoverydomain.ErrNotRenewable
			}
			next.CurrentPeriodStart = subscriptiondomain.TimePtr(renewal.PeriodStart)
			next.CurrentPeriodEnd = subscriptiondomain.TimePtr(renewal.PeriodEnd)
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
			"period_start": renewal.PeriodStart.Format(time.RFC3339),
			"period_end":   renewal.PeriodEnd.Format(time.RFC3339),
		},
	})
}

// HandleRecurringFailure moves an active subscription into its grace period.
// The draft invoice, the retry cycle and the first failed attempt are written
// with the status change.
func (s *Service) HandleRecurringFailure(
	ctx context.Context,
	subscription subscriptiondomain.Subscription,
	renewal recoverydomain.RenewalCharge,
	failure recoverydomain.ChargeFailure,
) (subscriptiondomain.Subscription, error) {
	breakdown, err := s.tax.Calculate(renewal.Jurisdiction, renewal.Subtotal)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	cfg := s.billing.Get()
	now := s.clock.Now().UTC()
	invoice := invoicedomain.Build(s.genID, invoicedomain.BuildParams{
		SubscriptionID: subscription.ID,
		PeriodStart:    renewal.PeriodStart,
		PeriodEnd:      renewal.PeriodEnd,
		Currency:       cfg.Currency,
		Status:         invoicedomain.InvoiceStatusDraft,
		Breakdown:      breakdown,
		Now:            now,
	})
	nextRetry := now.Add(cfg.RetrySchedule[0])
	cycle := recoverydomain.RetryCycle{
		ID:             s.genID.Generate(),
		SubscriptionID: subscription.ID,
		InvoiceID:      invoice.ID,
		StartedAt:      now,
		NextRetryAt:    &nextRetry,
		AttemptsMade:   1,
		MaxAttempts:    len(cfg.RetrySchedule) + 1,
		Status:         recoverydomain.CycleOpen,
	}
	attempt := s.newAttempt(subscription, invoice, &cycle.ID, 1, paymentdomain.OutcomeFailed, failure.GatewayRef, failure.FailureCode, now)

	updated, err := s.subscriptions.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: subscription.ID,
		Expected:       subscriptiondomain.StatusActive,
		Target:         subscriptiondomain.StatusPastDue,
		Reason:         subscriptiondomain.ReasonPaymentFailed,
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			if failure.Supersedes != nil {
				if _, err := s.invoiceRepo.Void(ctx, tx, *failure.Supersedes, now); err != nil {
					return err
				}
			}
			if err := s.invoiceRepo.Insert(ctx, tx, invoice); err != nil {
				return err
			}
			if err := s.repo.Insert(ctx, tx, &cycle); err != nil {
				return err
			}
			return s.paymentRepo.InsertAttempt(ctx, tx, attempt)
		},
		EventPayload: map[string]any{
			"invoice_id":    invoice.ID.String(),
			"retry_cycle":   cycle.ID.String(),
			"failure_code":  failure.FailureCode,
			"next_retry_at": nextRetry.Format(time.RFC3339),
		},
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	logger.WithContext(ctx, s.log).Warn("recurring payment failed, grace period opened",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("failure_code", failure.FailureCode),
		zap.Time("next_retry_at", nextRetry),
	)
	return updated, nil
}

func (s *Service) ProcessDueRenewals(ctx context.Context, now time.Time, limit int) (int, error) {
	due, err := s.subscriptions.ListDueRenewals(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for _, subscription := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if _, err := s.ChargeRenewal(ctx, subscription); err != nil {
			if errors.Is(err, recoverydomain.ErrNotRenewable) || errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
				continue
			}
			errs = append(errs, fmt.Errorf("renewal %s: %w", subscription.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Service) ProcessDueRetries(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	cycles, err := s.repo.ListDue(ctx, s.db, now, limit)
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for _, cycle := range cycles {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if err := s.retryCycle(ctx, cycle); err != nil {
			if errors.Is(err, recoverydomain.ErrCycleAlreadyMoved) {
				continue
			}
			errs = append(errs, fmt.Errorf("retry cycle %s: %w", cycle.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Service) retryCycle(ctx context.Context, cycle recoverydomain.RetryCycle) error {
	log := logger.WithContext(ctx, s.log).With(
		zap.String("subscription_id", cycle.SubscriptionID.String()),
		zap.String("retry_cycle_id", cycle.ID.String()),
	)

	subscription, err := s.subscriptions.Get(ctx, cycle.SubscriptionID)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if subscription.Status != subscriptiondomain.StatusPastDue {
		_, err := s.repo.Close(ctx, s.db, cycle.ID, recoverydomain.CycleAbandoned, cycle.AttemptsMade, now)
		return err
	}

	invoice, err := s.invoiceRepo.FindByID(ctx, s.db, cycle.InvoiceID)
	if err != nil {
		return err
	}
	if invoice == nil {
		return invoicedomain.ErrInvoiceNotFound
	}
	gateway, err := s.gateways.Get(subscriptiondomain.Deref(subscription.GatewayProvider))
	if err != nil {
		return err
	}

	attemptNumber := cycle.AttemptsMade + 1
	charge, err := gateway.Charge(ctx, paymentdomain.ChargeRequest{
		CustomerRef:      subscriptiondomain.Deref(subscription.GatewayCustomerRef),
		PaymentMethodRef: subscriptiondomain.Deref(subscription.PaymentMethodRef),
		Amount:           invoice.Total,
		Currency:         invoice.Currency,
		IdempotencyKey:   fmt.Sprintf("retry-%d-%d", cycle.ID, attemptNumber),
		Description:      "payment retry",
		OffSession:       true,
		Metadata:         map[string]string{"subscription_id": subscription.ID.String()},
	})
	if err == nil {
		_, err = s.recoverCycle(ctx, subscription, cycle, *invoice, attemptNumber, chargeOutcome(charge), charge.GatewayRef)
		if err == nil {
			log.Info("payment recovered", zap.Int("attempt", attemptNumber))
		}
		return err
	}

	reason, declined := paymentdomain.DeclineReason(err)
	if !declined {
		return err
	}
	var ref string
	var declinedErr *paymentdomain.PaymentDeclinedError
	if errors.As(err, &declinedErr) {
		ref = declinedErr.GatewayRef
	}
	attempt := s.newAttempt(subscription, invoice, &cycle.ID, attemptNumber, paymentdomain.OutcomeFailed, ref, reason, now)

	if attemptNumber < cycle.MaxAttempts {
		schedule := s.billing.Get().RetrySchedule
		next := cycle.StartedAt.Add(schedule[min(attemptNumber-1, len(schedule)-1)])
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			rows, err := s.repo.Advance(ctx, tx, cycle.ID, cycle.AttemptsMade, &next)
			if err != nil {
				return err
			}
			if rows == 0 {
				return recoverydomain.ErrCycleAlreadyMoved
			}
			return s.paymentRepo.InsertAttempt(ctx, tx, attempt)
		})
		if err == nil {
			log.Info("payment retry declined",
				zap.Int("attempt", attemptNumber),
				zap.String("failure_code", reason),
				zap.Time("next_retry_at", next),
			)
		}
		return err
	}

	_, err = s.subscriptions.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: subscription.ID,
		Expected:       subscriptiondomain.StatusPastDue,
		Target:         subscriptiondomain.StatusCanceled,
		Reason:         subscriptiondomain.ReasonGraceExhausted,
		Apply: func(next *subscriptiondomain.Subscription) error {
			next.CanceledAt = &now
			next.NonRenewing = true
			return nil
		},
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			rows, err := s.repo.Close(ctx, tx, cycle.ID, recoverydomain.CycleExhausted, attemptNumber, now)
			if err != nil {
				return err
			}
			if rows == 0 {
				return recoverydomain.ErrCycleAlreadyMoved
			}
			if _, err := s.invoiceRepo.Void(ctx, tx, invoice.ID, now); err != nil {
				return err
			}
			return s.paymentRepo.InsertAttempt(ctx, tx, attempt)
		},
		EventPayload: map[string]any{
			"invoice_id":   invoice.ID.String(),
			"retry_cycle":  cycle.ID.String(),
			"failure_code": reason,
		},
	})
	if err == nil {
		log.Warn("grace period exhausted, subscription canceled", zap.Int("attempts", attemptNumber))
	}
	return err
}

// recoverCycle closes the cycle, finalizes its invoice and returns the
// subscription to active for the invoice period.
func (s *Service) recoverCycle(
	ctx context.Context,
	subscription subscriptiondomain.Subscription,
	cycle recoverydomain.RetryCycle,
	invoice invoicedomain.Invoice,
	attemptNumber int,
	outcome paymentdomain.AttemptOutcome,
	gatewayRef string,
) (subscriptiondomain.Subscription, error) {
	now := s.clock.Now().UTC()
	attempt := s.newAttempt(subscription, &invoice, &cycle.ID, attemptNumber, outcome, gatewayRef, "", now)

	return s.subscriptions.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: subscription.ID,
		Expected:       subscriptiondomain.StatusPastDue,
		Target:         subscriptiondomain.StatusActive,
		Reason:         subscriptiondomain.ReasonPaymentRecovered,
		Apply: func(next *subscriptiondomain.Subscription) error {
			next.CurrentPeriodStart = subscriptiondomain.TimePtr(invoice.PeriodStart)
			next.CurrentPeriodEnd = subscriptiondomain.TimePtr(invoice.PeriodEnd)
			return nil
		},
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			rows, err := s.repo.Close(ctx, tx, cycle.ID, recoverydomain.CycleRecovered, attemptNumber, now)
			if err != nil {
				return err
			}
			if rows == 0 {
				return recoverydomain.ErrCycleAlreadyMoved
			}
			if _, err := s.invoiceRepo.Finalize(ctx, tx, invoice.ID, now); err != nil {
				return err
			}
			return s.paymentRepo.InsertAttempt(ctx, tx, attempt)
		},
		EventPayload: map[string]any{
			"invoice_id":  invoice.ID.String(),
			"retry_cycle": cycle.ID.String(),
			"attempt":     attemptNumber,
		},
	})
}

// RecordExternalOutcome reconciles a gateway-reported charge result. Results
// already recorded by a synchronous charge are ignored. A pending charge that
// fails opens the grace period like a declined renewal.
func (s *Service) RecordExternalOutcome(ctx context.Context, subscriptionID snowflake.ID, outcome recoverydomain.ExternalOutcome) error {
	subscription, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	provider := subscriptiondomain.Deref(subscription.GatewayProvider)
	log := logger.WithContext(ctx, s.log).With(
		zap.String("subscription_id", subscriptionID.String()),
		zap.Bool("succeeded", outcome.Succeeded),
	)

	gatewayRef := outcome.GatewayRef
	var supersedes *snowflake.ID
	if gatewayRef != "" {
		known, err := s.paymentRepo.FindAttemptByGatewayRef(ctx, s.db, provider, gatewayRef)
		if err != nil {
			return err
		}
		if known != nil {
			switch {
			case known.Outcome == paymentdomain.OutcomePending && outcome.Succeeded:
				return s.settlePending(ctx, log, *known)
			case known.Outcome == paymentdomain.OutcomePending:
				invoiceID := known.InvoiceID
				supersedes = &invoiceID
			case known.Outcome == reportedOutcome(outcome):
				log.Debug("external outcome already recorded", zap.String("gateway_ref", gatewayRef))
				return nil
			}
			// The attempt row keeps its original outcome; the reversal gets
			// its own row.
			gatewayRef = ""
		}
	}

	switch {
	case outcome.Succeeded && subscription.Status == subscriptiondomain.StatusPastDue:
		cycle, err := s.repo.FindOpenBySubscription(ctx, s.db, subscription.ID)
		if err != nil {
			return err
		}
		if cycle == nil {
			return recoverydomain.ErrNoOpenCycle
		}
		invoice, err := s.invoiceRepo.FindByID(ctx, s.db, cycle.InvoiceID)
		if err != nil {
			return err
		}
		if invoice == nil {
			return invoicedomain.ErrInvoiceNotFound
		}
		_, err = s.recoverCycle(ctx, subscription, *cycle, *invoice, cycle.AttemptsMade+1, paymentdomain.OutcomeSucceeded, gatewayRef)
		if errors.Is(err, recoverydomain.ErrCycleAlreadyMoved) {
			return nil
		}
		return err

	case !outcome.Succeeded && subscription.Status == subscriptiondomain.StatusActive:
		if subscription.CurrentPeriodStart == nil || subscription.CurrentPeriodEnd == nil {
			log.Warn("external failure for subscription without billing period")
			return nil
		}
		amount, ok := s.billing.Get().PlanAmount(subscription.PlanTier, subscription.Cadence)
		if !ok {
			return subscriptiondomain.ErrInvalidPlanTier
		}
		_, err = s.HandleRecurringFailure(ctx, subscription, recoverydomain.RenewalCharge{
			PeriodStart:  *subscription.CurrentPeriodStart,
			PeriodEnd:    *subscription.CurrentPeriodEnd,
			Jurisdiction: subscriptiondomain.Deref(subscription.Jurisdiction),
			Subtotal:     amount,
		}, recoverydomain.ChargeFailure{GatewayRef: gatewayRef, FailureCode: outcome.FailureCode, Supersedes: supersedes})
		return err
	}

	log.Info("external outcome needs no state change", zap.String("status", string(subscription.Status)))
	return nil
}

// settlePending records the settlement of a pending charge as its own
// succeeded row so refunds see it. Redelivery hits the unique gateway ref.
func (s *Service) settlePending(ctx context.Context, log *zap.Logger, pending paymentdomain.PaymentAttempt) error {
	settled := pending
	settled.ID = s.genID.Generate()
	settled.RetryCycleID = nil
	settled.GatewayRef = pending.GatewayRef + settledRefSuffix
	settled.Outcome = paymentdomain.OutcomeSucceeded
	settled.FailureCode = nil
	settled.AttemptedAt = s.clock.Now().UTC()

	if err := s.paymentRepo.InsertAttempt(ctx, s.db, &settled); err != nil {
		if db.IsDuplicateKeyErr(err) {
			log.Debug("pending charge already settled", zap.String("gateway_ref", pending.GatewayRef))
			return nil
		}
		return err
	}
	log.Info("pending charge settled", zap.String("gateway_ref", pending.GatewayRef))
	return nil
}

const settledRefSuffix = ":settled"

func reportedOutcome(outcome recoverydomain.ExternalOutcome) paymentdomain.AttemptOutcome {
	if outcome.Succeeded {
		return paymentdomain.OutcomeSucceeded
	}
	return paymentdomain.OutcomeFailed
}

// chargeOutcome is the attempt outcome for an accepted charge. Gateways that
// report nothing settled synchronously.
func chargeOutcome(charge paymentdomain.ChargeResult) paymentdomain.AttemptOutcome {
	if charge.Outcome == "" {
		return paymentdomain.OutcomeSucceeded
	}
	return charge.Outcome
}

func (s *Service) nextRenewal(subscription subscriptiondomain.Subscription) (recoverydomain.RenewalCharge, error) {
	amount, ok := s.billing.Get().PlanAmount(subscription.PlanTier, subscription.Cadence)
	if !ok {
		return recoverydomain.RenewalCharge{}, subscriptiondomain.ErrInvalidPlanTier
	}
	start := subscription.CurrentPeriodEnd.UTC()
	return recoverydomain.RenewalCharge{
		PeriodStart:  start,
		PeriodEnd:    subscriptiondomain.NextPeriodEnd(start, subscription.Cadence),
		Jurisdiction: subscriptiondomain.Deref(subscription.Jurisdiction),
		Subtotal:     amount,
	}, nil
}

func (s *Service) newAttempt(
	subscription subscriptiondomain.Subscription,
	invoice *invoicedomain.Invoice,
	cycleID *snowflake.ID,
	number int,
	outcome paymentdomain.AttemptOutcome,
	gatewayRef string,
	failureCode string,
	at time.Time,
) *paymentdomain.PaymentAttempt {
	id := s.genID.Generate()
	if gatewayRef == "" {
		gatewayRef = "unreferenced-" + id.String()
	}
	return &paymentdomain.PaymentAttempt{
		ID:              id,
		SubscriptionID:  subscription.ID,
		InvoiceID:       invoice.ID,
		RetryCycleID:    cycleID,
		Amount:          invoice.Total,
		Currency:        invoice.Currency,
		GatewayProvider: subscriptiondomain.Deref(subscription.GatewayProvider),
		GatewayRef:      gatewayRef,
		Outcome:         outcome,
		FailureCode:     subscriptiondomain.StringPtr(failureCode),
		AttemptNumber:   number,
		AttemptedAt:     at,
	}
}
