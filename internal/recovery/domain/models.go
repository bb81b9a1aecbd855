// Package domain models the grace period that follows a failed recurring
// charge.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"gorm.io/gorm"
)

type CycleStatus string

const (
	CycleOpen      CycleStatus = "open"
	CycleRecovered CycleStatus = "recovered"
	CycleExhausted CycleStatus = "exhausted"
	CycleAbandoned CycleStatus = "abandoned"
)

// RetryCycle tracks one grace period. Attempt 1 is the failed renewal charge;
// each scheduled retry adds one attempt until MaxAttempts.
type RetryCycle struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null"`
	InvoiceID      snowflake.ID `json:"invoice_id" gorm:"not null"`
	StartedAt      time.Time    `json:"started_at" gorm:"not null"`
	NextRetryAt    *time.Time   `json:"next_retry_at,omitempty"`
	AttemptsMade   int          `json:"attempts_made" gorm:"not null"`
	MaxAttempts    int          `json:"max_attempts" gorm:"not null"`
	Status         CycleStatus  `json:"status" gorm:"type:text;not null"`
	ClosedAt       *time.Time   `json:"closed_at,omitempty"`
}

func (RetryCycle) TableName() string { return "payment_retry_cycles" }

// RetriesLeft reports whether another scheduled attempt remains after the
// attempts already made.
func (c RetryCycle) RetriesLeft() bool {
	return c.AttemptsMade < c.MaxAttempts
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, cycle *RetryCycle) error
	FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*RetryCycle, error)
	ListDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]RetryCycle, error)
	// Advance moves an open cycle past expectedAttempts; zero rows means
	// another worker already recorded that attempt.
	Advance(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedAttempts int, nextRetryAt *time.Time) (int64, error)
	Close(ctx context.Context, db *gorm.DB, id snowflake.ID, status CycleStatus, attemptsMade int, closedAt time.Time) (int64, error)
}

// ChargeFailure describes why a recurring charge did not succeed.
type ChargeFailure struct {
	GatewayRef  string
	FailureCode string
	// Supersedes is the invoice of a pending charge that later failed. It
	// is voided with the status change.
	Supersedes  *snowflake.ID
}

type Service interface {
	ChargeRenewal(ctx context.Context, subscription subscriptiondomain.Subscription) (subscriptiondomain.Subscription, error)
	HandleRecurringFailure(ctx context.Context, subscription subscriptiondomain.Subscription, renewal RenewalCharge, failure ChargeFailure) (subscriptiondomain.Subscription, error)
	ProcessDueRetries(ctx context.Context, now time.Time, limit int) (int, error)
	ProcessDueRenewals(ctx context.Context, now time.Time, limit int) (int, error)
	RecordExternalOutcome(ctx context.Context, subscriptionID snowflake.ID, outcome ExternalOutcome) error
}

// RenewalCharge is the invoice-to-be for the next billing period.
type RenewalCharge struct {
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Jurisdiction string
	Subtotal     int64
}

// ExternalOutcome is a webhook-reported charge result.
type ExternalOutcome struct {
	Succeeded   bool
	GatewayRef  string
	FailureCode string
	Amount      int64
	OccurredAt  time.Time
}

var (
	ErrNoOpenCycle       = errors.New("no_open_retry_cycle")
	ErrNotRenewable      = errors.New("subscription_not_renewable")
	ErrCycleAlreadyMoved = errors.New("retry_cycle_already_advanced")
)
