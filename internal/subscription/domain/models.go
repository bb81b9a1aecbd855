// Package domain contains the subscription aggregate and its lifecycle rules.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/config"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	StatusTrialing SubscriptionStatus = "trialing"
	StatusActive   SubscriptionStatus = "active"
	StatusPastDue  SubscriptionStatus = "past_due"
	StatusCanceled SubscriptionStatus = "canceled"
	StatusExpired  SubscriptionStatus = "expired"
)

// LiveStatuses are the non-terminal states; a family holds at most one
// subscription in any of them.
var LiveStatuses = []SubscriptionStatus{StatusTrialing, StatusActive, StatusPastDue}

func (s SubscriptionStatus) IsLive() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	}
	return false
}

func (s SubscriptionStatus) Valid() bool {
	switch s {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Subscription is the root aggregate. Every other lifecycle row references it
// by id.
type Subscription struct {
	ID                      snowflake.ID       `json:"id" gorm:"primaryKey"`
	FamilyID                string             `json:"family_id" gorm:"type:text;not null"`
	Status                  SubscriptionStatus `json:"status" gorm:"type:text;not null"`
	PlanTier                string             `json:"plan_tier" gorm:"type:text;not null"`
	Cadence                 string             `json:"cadence" gorm:"type:text;not null"`
	TrialStartsAt           *time.Time         `json:"trial_starts_at,omitempty"`
	TrialEndsAt             *time.Time         `json:"trial_ends_at,omitempty"`
	CurrentPeriodStart      *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd        *time.Time         `json:"current_period_end,omitempty"`
	Jurisdiction            *string            `json:"jurisdiction,omitempty" gorm:"type:text"`
	GatewayProvider         *string            `json:"gateway_provider,omitempty" gorm:"type:text"`
	GatewayCustomerRef      *string            `json:"-" gorm:"type:text"`
	PaymentMethodRef        *string            `json:"-" gorm:"type:text"`
	CancellationEffectiveAt *time.Time         `json:"cancellation_effective_at,omitempty"`
	NonRenewing             bool               `json:"non_renewing" gorm:"not null;default:false"`
	CanceledAt              *time.Time         `json:"canceled_at,omitempty"`
	Version                 int64              `json:"version" gorm:"not null;default:1"`
	CreatedAt               time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt               time.Time          `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// TrialEnded reports whether the trial window has closed at now.
func (s Subscription) TrialEnded(now time.Time) bool {
	if s.TrialEndsAt == nil {
		return true
	}
	return !now.Before(*s.TrialEndsAt)
}

type CancellationStatus string

const (
	CancellationPending   CancellationStatus = "pending"
	CancellationWithdrawn CancellationStatus = "withdrawn"
	CancellationEffective CancellationStatus = "effective"
)

// CancellationRequest records a cancellation and the refund owed for it.
type CancellationRequest struct {
	ID               snowflake.ID       `json:"id" gorm:"primaryKey"`
	SubscriptionID   snowflake.ID       `json:"subscription_id" gorm:"not null;index"`
	RequestedAt      time.Time          `json:"requested_at" gorm:"not null"`
	EffectiveAt      time.Time          `json:"effective_at" gorm:"not null"`
	Status           CancellationStatus `json:"status" gorm:"type:text;not null"`
	RefundAmount     int64              `json:"refund_amount"`
	RefundIssued     bool               `json:"refund_issued"`
	RefundGatewayRef *string            `json:"refund_gateway_ref,omitempty" gorm:"type:text"`
	RefundResolvedAt *time.Time         `json:"refund_resolved_at,omitempty"`
}

// TableName sets the database table name.
func (CancellationRequest) TableName() string { return "cancellation_requests" }

func ptr[T any](v T) *T { return &v }

// StringPtr returns a pointer to value, or nil when value is empty.
func StringPtr(value string) *string {
	if value == "" {
		return nil
	}
	return ptr(value)
}

func TimePtr(t time.Time) *time.Time { return ptr(t.UTC()) }

// Deref returns the pointed-to string or the empty string.
func Deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// NextPeriodEnd returns the end of a billing period starting at start.
func NextPeriodEnd(start time.Time, cadence string) time.Time {
	if cadence == config.CadenceAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}
