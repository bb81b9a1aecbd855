package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

const providerName = "stripe"

type Config struct {
	SecretKey     string
	WebhookSecret string
	// Backends overrides the HTTP backends, used by tests.
	Backends *stripe.Backends
}

type Adapter struct {
	api           *client.API
	webhookSecret string
}

func New(cfg Config) (*Adapter, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" || strings.TrimSpace(cfg.WebhookSecret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}
	return &Adapter{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (a *Adapter) Provider() string {
	return providerName
}

func (a *Adapter) CreateCustomer(ctx context.Context, req paymentdomain.CreateCustomerRequest) (paymentdomain.Customer, error) {
	token := strings.TrimSpace(req.PaymentMethodToken)
	if token == "" {
		return paymentdomain.Customer{}, paymentdomain.ErrMissingPaymentMethod
	}

	params := &stripe.CustomerParams{
		PaymentMethod: stripe.String(token),
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(token),
		},
	}
	params.Context = ctx
	params.AddMetadata("family_id", req.FamilyID)
	params.AddMetadata("subscription_id", req.SubscriptionID)
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	c, err := a.api.Customers.New(params)
	if err != nil {
		return paymentdomain.Customer{}, mapError(err, "")
	}
	return paymentdomain.Customer{CustomerRef: c.ID, PaymentMethodRef: token}, nil
}

func (a *Adapter) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if req.Amount <= 0 {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidAmount
	}
	if req.PaymentMethodRef == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrMissingPaymentMethod
	}

	params := &stripe.PaymentIntentParams{
		Amount:             stripe.Int64(req.Amount),
		Currency:           stripe.String(strings.ToLower(req.Currency)),
		Customer:           stripe.String(req.CustomerRef),
		PaymentMethod:      stripe.String(req.PaymentMethodRef),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		Confirm:            stripe.Bool(true),
	}
	if req.OffSession {
		params.OffSession = stripe.Bool(true)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	intent, err := a.api.PaymentIntents.New(params)
	if err != nil {
		return paymentdomain.ChargeResult{}, mapError(err, "")
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return paymentdomain.ChargeResult{GatewayRef: intent.ID, Outcome: paymentdomain.OutcomeSucceeded}, nil
	case stripe.PaymentIntentStatusProcessing:
		return paymentdomain.ChargeResult{GatewayRef: intent.ID, Outcome: paymentdomain.OutcomePending}, nil
	case stripe.PaymentIntentStatusRequiresAction:
		return paymentdomain.ChargeResult{}, &paymentdomain.PaymentDeclinedError{
			ReasonCode: "authentication_required",
			GatewayRef: intent.ID,
		}
	default:
		return paymentdomain.ChargeResult{}, &paymentdomain.PaymentDeclinedError{
			ReasonCode: string(intent.Status),
			GatewayRef: intent.ID,
		}
	}
}

func (a *Adapter) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	if req.Amount <= 0 {
		return paymentdomain.RefundResult{}, paymentdomain.ErrInvalidAmount
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.ChargeRef),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)

	refund, err := a.api.Refunds.New(params)
	if err != nil {
		return paymentdomain.RefundResult{}, mapError(err, req.ChargeRef)
	}
	return paymentdomain.RefundResult{GatewayRef: refund.ID}, nil
}

func (a *Adapter) ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return nil, paymentdomain.ErrInvalidSignature
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, a.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, paymentdomain.ErrInvalidSignature
		}
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" || event.Data == nil {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch string(event.Type) {
	case "payment_intent.succeeded":
		return parsePaymentIntent(event, payload, paymentdomain.EventChargeSucceeded)
	case "payment_intent.payment_failed":
		return parsePaymentIntent(event, payload, paymentdomain.EventChargeFailed)
	case "charge.refunded":
		return parseRefundedCharge(event, payload)
	default:
		return nil, fmt.Errorf("%w: %s", paymentdomain.ErrUnsupportedEventType, event.Type)
	}
}

type stripePaymentIntent struct {
	ID               string              `json:"id"`
	Amount           int64               `json:"amount"`
	AmountReceived   int64               `json:"amount_received"`
	Currency         string              `json:"currency"`
	Customer         string              `json:"customer"`
	Created          int64               `json:"created"`
	LastPaymentError *stripePaymentError `json:"last_payment_error"`
}

type stripePaymentError struct {
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
}

type stripeCharge struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Customer       string `json:"customer"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Created        int64  `json:"created"`
}

func parsePaymentIntent(event stripe.Event, payload []byte, kind paymentdomain.PaymentEventKind) (*paymentdomain.PaymentEvent, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if intent.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := intent.AmountReceived
	if amount <= 0 {
		amount = intent.Amount
	}
	failureCode := ""
	if kind == paymentdomain.EventChargeFailed && intent.LastPaymentError != nil {
		failureCode = intent.LastPaymentError.DeclineCode
		if failureCode == "" {
			failureCode = intent.LastPaymentError.Code
		}
	}

	return &paymentdomain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Kind:            kind,
		GatewayRef:      intent.ID,
		CustomerRef:     intent.Customer,
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(intent.Currency)),
		FailureCode:     failureCode,
		OccurredAt:      timestamp(intent.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

func parseRefundedCharge(event stripe.Event, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if charge.ID == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}
	ref := charge.PaymentIntent
	if ref == "" {
		ref = charge.ID
	}
	return &paymentdomain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: event.ID,
		Kind:            paymentdomain.EventChargeRefunded,
		GatewayRef:      ref,
		CustomerRef:     charge.Customer,
		Amount:          charge.AmountRefunded,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:      timestamp(charge.Created, event.Created),
		RawPayload:      payload,
	}, nil
}

// mapError turns card errors into declines and everything else into a
// transport failure.
func mapError(err error, gatewayRef string) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.Type == stripe.ErrorTypeCard {
			reason := string(stripeErr.DeclineCode)
			if reason == "" {
				reason = string(stripeErr.Code)
			}
			return &paymentdomain.PaymentDeclinedError{ReasonCode: reason, GatewayRef: gatewayRef}
		}
		if stripeErr.HTTPStatusCode >= 400 && stripeErr.HTTPStatusCode < 500 {
			return fmt.Errorf("stripe request rejected: %s: %w", stripeErr.Msg, paymentdomain.ErrInvalidPayload)
		}
	}
	return fmt.Errorf("%w: %v", paymentdomain.ErrGatewayUnavailable, err)
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}
