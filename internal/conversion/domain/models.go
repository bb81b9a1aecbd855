// Package domain defines trial-to-paid conversion.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
)

var (
	ErrConversionWindowClosed = errors.New("conversion_window_closed")
	ErrMissingPaymentMethod   = errors.New("missing_payment_method")
	ErrMissingJurisdiction    = errors.New("missing_jurisdiction")
)

type ConvertRequest struct {
	SubscriptionID     snowflake.ID `json:"-"`
	PaymentMethodToken string       `json:"payment_method_token"`
	Jurisdiction       string       `json:"jurisdiction"`
}

type ConvertResult struct {
	Subscription subscriptiondomain.Subscription `json:"subscription"`
	Invoice      invoicedomain.Invoice           `json:"invoice"`
}

type Service interface {
	// ConvertToPaid charges the first period and activates the subscription.
	// A decline returns *paymentdomain.PaymentDeclinedError and persists
	// nothing.
	ConvertToPaid(ctx context.Context, req ConvertRequest) (ConvertResult, error)
}
