package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type StartTrialRequest struct {
	FamilyID string `json:"family_id"`
	PlanTier string `json:"plan_tier"`
	Cadence  string `json:"cadence"`
}

// TransitionRequest proposes a single state change. Apply mutates a copy of
// the current row before it is written; Within runs inside the same database
// transaction after the compare-and-swap succeeded.
type TransitionRequest struct {
	SubscriptionID snowflake.ID
	Expected       SubscriptionStatus
	Target         SubscriptionStatus
	Reason         TransitionReason
	Apply          func(next *Subscription) error
	Within         func(tx *gorm.DB, updated *Subscription) error
	EventPayload   map[string]any
}

type CancellationResult struct {
	Subscription Subscription        `json:"subscription"`
	Request      CancellationRequest `json:"cancellation"`
}

type Service interface {
	StartTrial(ctx context.Context, req StartTrialRequest) (Subscription, error)
	Get(ctx context.Context, id snowflake.ID) (Subscription, error)
	FindByGatewayCustomer(ctx context.Context, provider, customerRef string) (Subscription, error)
	Transition(ctx context.Context, req TransitionRequest) (Subscription, error)
	RequestCancellation(ctx context.Context, id snowflake.ID) (CancellationResult, error)
	Reactivate(ctx context.Context, id snowflake.ID) (Subscription, error)

	ExpireTrials(ctx context.Context, now time.Time, limit int) (int, error)
	PromoteDueCancellations(ctx context.Context, now time.Time, limit int) (int, error)
	ResolveRefunds(ctx context.Context, now time.Time, limit int) (int, error)
	ListDueRenewals(ctx context.Context, now time.Time, limit int) ([]Subscription, error)
}
