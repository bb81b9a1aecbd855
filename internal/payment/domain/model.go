package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeFailed    AttemptOutcome = "failed"
	OutcomePending   AttemptOutcome = "pending"
)

// PaymentAttempt is an immutable record of one charge against the gateway.
type PaymentAttempt struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	SubscriptionID  snowflake.ID   `json:"subscription_id" gorm:"not null;index"`
	InvoiceID       snowflake.ID   `json:"invoice_id" gorm:"not null"`
	RetryCycleID    *snowflake.ID  `json:"retry_cycle_id,omitempty"`
	Amount          int64          `json:"amount" gorm:"not null"`
	Currency        string         `json:"currency" gorm:"type:text;not null"`
	GatewayProvider string         `json:"gateway_provider" gorm:"type:text;not null"`
	GatewayRef      string         `json:"gateway_ref" gorm:"type:text;not null"`
	Outcome         AttemptOutcome `json:"outcome" gorm:"type:text;not null"`
	FailureCode     *string        `json:"failure_code,omitempty" gorm:"type:text"`
	AttemptNumber   int            `json:"attempt_number" gorm:"not null"`
	AttemptedAt     time.Time      `json:"attempted_at" gorm:"not null"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

// EventRecord stores every verified webhook delivery for deduplication.
type EventRecord struct {
	ID              snowflake.ID     `json:"id" gorm:"primaryKey"`
	Provider        string           `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string           `json:"provider_event_id" gorm:"type:text;not null"`
	EventKind       PaymentEventKind `json:"event_kind" gorm:"type:text;not null"`
	GatewayRef      *string          `json:"gateway_ref,omitempty" gorm:"type:text"`
	SubscriptionID  *snowflake.ID    `json:"subscription_id,omitempty"`
	Payload         datatypes.JSON   `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time        `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time       `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

// PaymentEventKind is the closed set of gateway events the engine reacts to.
type PaymentEventKind string

const (
	EventChargeSucceeded PaymentEventKind = "charge.succeeded"
	EventChargeFailed    PaymentEventKind = "charge.failed"
	EventChargeRefunded  PaymentEventKind = "charge.refunded"
)

func (k PaymentEventKind) Valid() bool {
	switch k {
	case EventChargeSucceeded, EventChargeFailed, EventChargeRefunded:
		return true
	}
	return false
}

// PaymentEvent is the canonical payment event parsed by adapters.
type PaymentEvent struct {
	Provider        string
	ProviderEventID string
	Kind            PaymentEventKind
	GatewayRef      string
	CustomerRef     string
	Amount          int64
	Currency        string
	FailureCode     string
	OccurredAt      time.Time
	RawPayload      []byte
}
