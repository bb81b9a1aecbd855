package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidProvider      = errors.New("invalid_provider")
	ErrProviderNotFound     = errors.New("provider_not_found")
	ErrInvalidConfig        = errors.New("invalid_config")
	ErrInvalidSignature     = errors.New("invalid_signature")
	ErrInvalidPayload       = errors.New("invalid_payload")
	ErrInvalidEvent         = errors.New("invalid_event")
	ErrUnsupportedEventType = errors.New("unsupported_event_type")
	ErrUnknownCustomer      = errors.New("unknown_gateway_customer")
	ErrPaymentDeclined      = errors.New("payment_declined")
	ErrGatewayUnavailable   = errors.New("gateway_unavailable")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrMissingPaymentMethod = errors.New("missing_payment_method")
)

// PaymentDeclinedError carries the gateway's decline reason. It matches
// ErrPaymentDeclined with errors.Is.
type PaymentDeclinedError struct {
	ReasonCode string
	GatewayRef string
}

func (e *PaymentDeclinedError) Error() string {
	if e.ReasonCode == "" {
		return ErrPaymentDeclined.Error()
	}
	return fmt.Sprintf("%s: %s", ErrPaymentDeclined.Error(), e.ReasonCode)
}

func (e *PaymentDeclinedError) Is(target error) bool {
	return target == ErrPaymentDeclined
}

// DeclineReason extracts the reason code from a decline error.
func DeclineReason(err error) (string, bool) {
	var declined *PaymentDeclinedError
	if errors.As(err, &declined) {
		return declined.ReasonCode, true
	}
	return "", false
}
