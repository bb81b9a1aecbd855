package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, family_id, status, plan_tier, cadence, trial_starts_at, trial_ends_at,
	current_period_start, current_period_end, jurisdiction, gateway_provider, gateway_customer_ref,
	payment_method_ref, cancellation_effective_at, non_renewing, canceled_at, version,
	created_at, updated_at`

const cancellationColumns = `id, subscription_id, requested_at, effective_at, status, refund_amount,
	refund_issued, refund_gateway_ref, refund_resolved_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.FamilyID,
		subscription.Status,
		subscription.PlanTier,
		subscription.Cadence,
		subscription.TrialStartsAt,
		subscription.TrialEndsAt,
		subscription.CurrentPeriodStart,
		subscription.CurrentPeriodEnd,
		subscription.Jurisdiction,
		subscription.GatewayProvider,
		subscription.GatewayCustomerRef,
		subscription.PaymentMethodRef,
		subscription.CancellationEffectiveAt,
		subscription.NonRenewing,
		subscription.CanceledAt,
		subscription.Version,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`,
		id,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindLiveByFamily(ctx context.Context, db *gorm.DB, familyID string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE family_id = ? AND status IN ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		familyID,
		subscriptiondomain.LiveStatuses,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) FindByGatewayCustomer(ctx context.Context, db *gorm.DB, provider, customerRef string) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE gateway_provider = ? AND gateway_customer_ref = ?
		 ORDER BY created_at DESC
		 LIMIT 1`,
		provider,
		customerRef,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}

func (r *repo) CompareAndSwap(
	ctx context.Context,
	db *gorm.DB,
	next *subscriptiondomain.Subscription,
	expectedStatus subscriptiondomain.SubscriptionStatus,
	expectedVersion int64,
) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET
			status = ?,
			plan_tier = ?,
			cadence = ?,
			trial_starts_at = ?,
			trial_ends_at = ?,
			current_period_start = ?,
			current_period_end = ?,
			jurisdiction = ?,
			gateway_provider = ?,
			gateway_customer_ref = ?,
			payment_method_ref = ?,
			cancellation_effective_at = ?,
			non_renewing = ?,
			canceled_at = ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND status = ? AND version = ?`,
		next.Status,
		next.PlanTier,
		next.Cadence,
		next.TrialStartsAt,
		next.TrialEndsAt,
		next.CurrentPeriodStart,
		next.CurrentPeriodEnd,
		next.Jurisdiction,
		next.GatewayProvider,
		next.GatewayCustomerRef,
		next.PaymentMethodRef,
		next.CancellationEffectiveAt,
		next.NonRenewing,
		next.CanceledAt,
		next.UpdatedAt,
		next.ID,
		expectedStatus,
		expectedVersion,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListTrialsEndingBefore(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND trial_ends_at <= ?
		 ORDER BY trial_ends_at ASC, id ASC
		 LIMIT ?`,
		subscriptiondomain.StatusTrialing,
		at,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) ListDueRenewals(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
	var subscriptions []subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = ? AND non_renewing = ? AND cancellation_effective_at IS NULL
		   AND current_period_end IS NOT NULL AND current_period_end <= ?
		   AND payment_method_ref IS NOT NULL AND payment_method_ref <> ''
		   AND gateway_provider IS NOT NULL
		 ORDER BY current_period_end ASC, id ASC
		 LIMIT ?`,
		subscriptiondomain.StatusActive,
		false,
		at,
		limit,
	).Scan(&subscriptions).Error
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

func (r *repo) InsertCancellation(ctx context.Context, db *gorm.DB, request *subscriptiondomain.CancellationRequest) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO cancellation_requests (`+cancellationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		request.ID,
		request.SubscriptionID,
		request.RequestedAt,
		request.EffectiveAt,
		request.Status,
		request.RefundAmount,
		request.RefundIssued,
		request.RefundGatewayRef,
		request.RefundResolvedAt,
	).Error
}

func (r *repo) FindPendingCancellation(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*subscriptiondomain.CancellationRequest, error) {
	var request subscriptiondomain.CancellationRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+cancellationColumns+`
		 FROM cancellation_requests
		 WHERE subscription_id = ? AND status = ?
		 LIMIT 1`,
		subscriptionID,
		subscriptiondomain.CancellationPending,
	).Scan(&request).Error
	if err != nil {
		return nil, err
	}
	if request.ID == 0 {
		return nil, nil
	}
	return &request, nil
}

func (r *repo) UpdateCancellationStatus(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	from, to subscriptiondomain.CancellationStatus,
) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE cancellation_requests SET status = ? WHERE id = ? AND status = ?`,
		to,
		id,
		from,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) ListDueCancellations(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]subscriptiondomain.CancellationRequest, error) {
	var requests []subscriptiondomain.CancellationRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+cancellationColumns+`
		 FROM cancellation_requests
		 WHERE status = ? AND effective_at <= ?
		 ORDER BY effective_at ASC, id ASC
		 LIMIT ?`,
		subscriptiondomain.CancellationPending,
		at,
		limit,
	).Scan(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *repo) ListUnresolvedRefunds(ctx context.Context, db *gorm.DB, limit int) ([]subscriptiondomain.CancellationRequest, error) {
	var requests []subscriptiondomain.CancellationRequest
	err := db.WithContext(ctx).Raw(
		`SELECT `+cancellationColumns+`
		 FROM cancellation_requests
		 WHERE status = ? AND refund_resolved_at IS NULL
		 ORDER BY effective_at ASC, id ASC
		 LIMIT ?`,
		subscriptiondomain.CancellationEffective,
		limit,
	).Scan(&requests).Error
	if err != nil {
		return nil, err
	}
	return requests, nil
}

func (r *repo) MarkRefundIssued(
	ctx context.Context,
	db *gorm.DB,
	id snowflake.ID,
	amount int64,
	gatewayRef string,
	resolvedAt time.Time,
) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE cancellation_requests
		 SET refund_issued = ?, refund_amount = ?, refund_gateway_ref = ?, refund_resolved_at = ?
		 WHERE id = ? AND refund_issued = ?`,
		true,
		amount,
		gatewayRef,
		resolvedAt,
		id,
		false,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) MarkRefundResolved(ctx context.Context, db *gorm.DB, id snowflake.ID, resolvedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE cancellation_requests
		 SET refund_resolved_at = ?
		 WHERE id = ? AND refund_resolved_at IS NULL`,
		resolvedAt,
		id,
	)
	return res.RowsAffected, res.Error
}
