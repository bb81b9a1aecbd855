package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindLiveByFamily(ctx context.Context, db *gorm.DB, familyID string) (*Subscription, error)
	FindByGatewayCustomer(ctx context.Context, db *gorm.DB, provider, customerRef string) (*Subscription, error)
	// CompareAndSwap writes next when the row still has expectedStatus and
	// expectedVersion, returning the number of rows updated.
	CompareAndSwap(ctx context.Context, db *gorm.DB, next *Subscription, expectedStatus SubscriptionStatus, expectedVersion int64) (int64, error)
	ListTrialsEndingBefore(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)
	// ListDueRenewals only returns subscriptions that can be charged.
	ListDueRenewals(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]Subscription, error)

	InsertCancellation(ctx context.Context, db *gorm.DB, request *CancellationRequest) error
	FindPendingCancellation(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*CancellationRequest, error)
	UpdateCancellationStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to CancellationStatus) (int64, error)
	ListDueCancellations(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]CancellationRequest, error)
	ListUnresolvedRefunds(ctx context.Context, db *gorm.DB, limit int) ([]CancellationRequest, error)
	// MarkRefundIssued flips refund_issued false -> true once.
	MarkRefundIssued(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, gatewayRef string, resolvedAt time.Time) (int64, error)
	MarkRefundResolved(ctx context.Context, db *gorm.DB, id snowflake.ID, resolvedAt time.Time) (int64, error)
}
