package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/config"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/pkg/db"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RequestCancellation cancels immediately, except for active annual plans
// which keep access until the cooling-off window closes.
func (s *Service) RequestCancellation(ctx context.Context, id snowflake.ID) (subscriptiondomain.CancellationResult, error) {
	if id == 0 {
		return subscriptiondomain.CancellationResult{}, subscriptiondomain.ErrNotCancelable
	}
	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.CancellationResult{}, err
	}
	if current == nil || !current.Status.IsLive() {
		return subscriptiondomain.CancellationResult{}, subscriptiondomain.ErrNotCancelable
	}
	// An ended trial the sweep has not reached yet is already over.
	if current.Status == subscriptiondomain.StatusTrialing && current.TrialEnded(s.clock.Now()) {
		if _, err := s.expireTrial(ctx, current.ID, "cancellation"); err != nil {
			if errors.Is(err, subscriptiondomain.ErrInvalidTransition) {
				return s.RequestCancellation(ctx, id)
			}
			return subscriptiondomain.CancellationResult{}, err
		}
		return subscriptiondomain.CancellationResult{}, subscriptiondomain.ErrNotCancelable
	}

	if current.Status == subscriptiondomain.StatusActive && current.Cadence == config.CadenceAnnual {
		return s.scheduleCancellation(ctx, *current)
	}
	return s.cancelImmediately(ctx, *current)
}

func (s *Service) scheduleCancellation(ctx context.Context, current subscriptiondomain.Subscription) (subscriptiondomain.CancellationResult, error) {
	now := s.clock.Now().UTC()
	request := subscriptiondomain.CancellationRequest{
		ID:             s.genID.Generate(),
		SubscriptionID: current.ID,
		RequestedAt:    now,
		EffectiveAt:    now.Add(s.billing.Get().CoolingOffWindow()),
		Status:         subscriptiondomain.CancellationPending,
	}

	updated, err := s.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: current.ID,
		Expected:       subscriptiondomain.StatusActive,
		Target:         subscriptiondomain.StatusActive,
		Reason:         subscriptiondomain.ReasonCancellationScheduled,
		Apply: func(next *subscriptiondomain.Subscription) error {
			if next.CancellationEffectiveAt != nil {
				return subscriptiondomain.ErrInvalidTransition
			}
			effective := request.EffectiveAt
			next.CancellationEffectiveAt = &effective
			return nil
		},
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			if err := s.repo.InsertCancellation(ctx, tx, &request); err != nil {
				if db.IsDuplicateKeyErr(err) {
					return subscriptiondomain.ErrInvalidTransition
				}
				return err
			}
			return nil
		},
		EventPayload: map[string]any{
			"cancellation_id": request.ID.String(),
			"effective_at":    request.EffectiveAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return subscriptiondomain.CancellationResult{}, err
	}
	return subscriptiondomain.CancellationResult{Subscription: updated, Request: request}, nil
}

func (s *Service) cancelImmediately(ctx context.Context, current subscriptiondomain.Subscription) (subscriptiondomain.CancellationResult, error) {
	now := s.clock.Now().UTC()
	request := subscriptiondomain.CancellationRequest{
		ID:             s.genID.Generate(),
		SubscriptionID: current.ID,
		RequestedAt:    now,
		EffectiveAt:    now,
		Status:         subscriptiondomain.CancellationEffective,
	}

	updated, err := s.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: current.ID,
		Expected:       current.Status,
		Target:         subscriptiondomain.StatusCanceled,
		Reason:         subscriptiondomain.ReasonCanceled,
		Apply: func(next *subscriptiondomain.Subscription) error {
			next.CanceledAt = &now
			next.NonRenewing = true
			return nil
		},
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			if err := s.repo.InsertCancellation(ctx, tx, &request); err != nil {
				return err
			}
			return s.abandonOpenCycle(ctx, tx, current.ID, now)
		},
		EventPayload: map[string]any{
			"cancellation_id": request.ID.String(),
		},
	})
	if err != nil {
		return subscriptiondomain.CancellationResult{}, err
	}
	return subscriptiondomain.CancellationResult{Subscription: updated, Request: request}, nil
}

// abandonOpenCycle closes a grace period that no longer matters and voids
// the invoice it was trying to collect.
func (s *Service) abandonOpenCycle(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, now time.Time) error {
	cycle, err := s.cycleRepo.FindOpenBySubscription(ctx, tx, subscriptionID)
	if err != nil || cycle == nil {
		return err
	}
	if _, err := s.cycleRepo.Close(ctx, tx, cycle.ID, recoverydomain.CycleAbandoned, cycle.AttemptsMade, now); err != nil {
		return err
	}
	_, err = s.invoiceRepo.Void(ctx, tx, cycle.InvoiceID, now)
	return err
}

func (s *Service) Reactivate(ctx context.Context, id snowflake.ID) (subscriptiondomain.Subscription, error) {
	if id == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}
	current, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if current == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	pending, err := s.repo.FindPendingCancellation(ctx, s.db, id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	now := s.clock.Now().UTC()
	if pending == nil || current.Status != subscriptiondomain.StatusActive || !now.Before(pending.EffectiveAt) {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrCoolingOffExpired
	}

	return s.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: id,
		Expected:       subscriptiondomain.StatusActive,
		Target:         subscriptiondomain.StatusActive,
		Reason:         subscriptiondomain.ReasonCancellationWithdrawn,
		Apply: func(next *subscriptiondomain.Subscription) error {
			if next.CancellationEffectiveAt == nil || !now.Before(*next.CancellationEffectiveAt) {
				return subscriptiondomain.ErrCoolingOffExpired
			}
			next.CancellationEffectiveAt = nil
			return nil
		},
		Within: func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
			rows, err := s.repo.UpdateCancellationStatus(ctx, tx, pending.ID,
				subscriptiondomain.CancellationPending, subscriptiondomain.CancellationWithdrawn)
			if err != nil {
				return err
			}
			if rows == 0 {
				return subscriptiondomain.ErrCoolingOffExpired
			}
			return nil
		},
		EventPayload: map[string]any{
			"cancellation_id": pending.ID.String(),
		},
	})
}

// PromoteDueCancellations ends subscriptions whose cooling-off window has
// passed.
func (s *Service) PromoteDueCancellations(ctx context.Context, now time.Time, limit int) (int, error) {
	requests, err := s.repo.ListDueCancellations(ctx, s.db, now, normalizeLimit(limit))
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for _, request := range requests {
		if err := s.promoteCancellation(ctx, request, now); err != nil {
			errs = append(errs, fmt.Errorf("cancellation %s: %w", request.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Service) promoteCancellation(ctx context.Context, request subscriptiondomain.CancellationRequest, now time.Time) error {
	current, err := s.repo.FindByID(ctx, s.db, request.SubscriptionID)
	if err != nil {
		return err
	}
	if current == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	markEffective := func(tx *gorm.DB, _ *subscriptiondomain.Subscription) error {
		rows, err := s.repo.UpdateCancellationStatus(ctx, tx, request.ID,
			subscriptiondomain.CancellationPending, subscriptiondomain.CancellationEffective)
		if err != nil {
			return err
		}
		if rows == 0 {
			return subscriptiondomain.ErrInvalidTransition
		}
		return s.abandonOpenCycle(ctx, tx, request.SubscriptionID, now)
	}

	if !current.Status.IsLive() {
		// Already terminal through another path; only the request is left.
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return markEffective(tx, current)
		})
	}

	_, err = s.Transition(ctx, subscriptiondomain.TransitionRequest{
		SubscriptionID: current.ID,
		Expected:       current.Status,
		Target:         subscriptiondomain.StatusCanceled,
		Reason:         subscriptiondomain.ReasonCancellationEffective,
		Apply: func(next *subscriptiondomain.Subscription) error {
			canceledAt := request.EffectiveAt
			next.CanceledAt = &canceledAt
			next.NonRenewing = true
			return nil
		},
		Within: markEffective,
		EventPayload: map[string]any{
			"cancellation_id": request.ID.String(),
		},
	})
	return err
}

// ResolveRefunds pays back the unused part of the current period for every
// effective cancellation that has not been settled yet.
func (s *Service) ResolveRefunds(ctx context.Context, now time.Time, limit int) (int, error) {
	requests, err := s.repo.ListUnresolvedRefunds(ctx, s.db, normalizeLimit(limit))
	if err != nil {
		return 0, err
	}

	var (
		processed int
		errs      []error
	)
	for _, request := range requests {
		if err := s.resolveRefund(ctx, request, now); err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", request.ID, err))
			continue
		}
		processed++
	}
	return processed, errors.Join(errs...)
}

func (s *Service) resolveRefund(ctx context.Context, request subscriptiondomain.CancellationRequest, now time.Time) error {
	subscription, err := s.repo.FindByID(ctx, s.db, request.SubscriptionID)
	if err != nil {
		return err
	}
	if subscription == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}
	payment, err := s.paymentRepo.FindLastSucceeded(ctx, s.db, request.SubscriptionID)
	if err != nil {
		return err
	}

	amount := ProratedRefund(*subscription, payment, request.EffectiveAt)
	if amount <= 0 || request.RefundIssued {
		_, err := s.repo.MarkRefundResolved(ctx, s.db, request.ID, now)
		return err
	}

	if s.gateways == nil {
		return paymentdomain.ErrProviderNotFound
	}
	gateway, err := s.gateways.Get(payment.GatewayProvider)
	if err != nil {
		return err
	}
	refund, err := gateway.Refund(ctx, paymentdomain.RefundRequest{
		ChargeRef:      payment.GatewayRef,
		Amount:         amount,
		IdempotencyKey: fmt.Sprintf("refund-%d", request.ID),
	})
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rows, err := s.repo.MarkRefundIssued(ctx, tx, request.ID, amount, refund.GatewayRef, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			logger.WithContext(ctx, s.log).Info("refund already recorded",
				zap.String("cancellation_id", request.ID.String()))
			return nil
		}
		event, err := newRefundEvent(s, subscription.ID, request.ID, amount, payment.Currency, refund.GatewayRef)
		if err != nil {
			return err
		}
		_, err = s.eventRepo.Insert(ctx, tx, event)
		return err
	})
}

// ProratedRefund returns the share of the last payment that covers the time
// between effectiveAt and the end of the current period.
func ProratedRefund(subscription subscriptiondomain.Subscription, payment *paymentdomain.PaymentAttempt, effectiveAt time.Time) int64 {
	if payment == nil || payment.Amount <= 0 {
		return 0
	}
	if subscription.CurrentPeriodStart == nil || subscription.CurrentPeriodEnd == nil {
		return 0
	}
	start, end := *subscription.CurrentPeriodStart, *subscription.CurrentPeriodEnd
	if effectiveAt.Before(start) {
		effectiveAt = start
	}
	unused := int64(end.Sub(effectiveAt) / time.Second)
	total := int64(end.Sub(start) / time.Second)
	if unused <= 0 || total <= 0 {
		return 0
	}
	refund := payment.Amount * unused / total
	if refund > payment.Amount {
		refund = payment.Amount
	}
	return refund
}
