package domain

import (
	"context"
	"net/http"
)

type CreateCustomerRequest struct {
	FamilyID           string
	SubscriptionID     string
	PaymentMethodToken string
	IdempotencyKey     string
}

type Customer struct {
	CustomerRef      string
	PaymentMethodRef string
}

type ChargeRequest struct {
	CustomerRef      string
	PaymentMethodRef string
	Amount           int64
	Currency         string
	IdempotencyKey   string
	Description      string
	OffSession       bool
	Metadata         map[string]string
}

type ChargeResult struct {
	GatewayRef string
	Outcome    AttemptOutcome
}

type RefundRequest struct {
	ChargeRef      string
	Amount         int64
	IdempotencyKey string
}

type RefundResult struct {
	GatewayRef string
}

// Gateway is the payment processor collaborator. Charge returns a
// *PaymentDeclinedError for declines and wraps ErrGatewayUnavailable for
// transport failures.
//
//go:generate mockgen -source=gateway.go -destination=./mocks/mock_gateway.go -package=mocks
type Gateway interface {
	Provider() string
	CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Customer, error)
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
	// ParseWebhook verifies the delivery signature and maps the payload onto
	// the closed PaymentEventKind set.
	ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*PaymentEvent, error)
}

type GatewayRegistry interface {
	Default() (Gateway, error)
	Get(provider string) (Gateway, error)
}
