// Package sandbox is an in-process gateway for local development and tests.
// Outcomes are driven by the payment method token.
package sandbox

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
)

const (
	providerName    = "sandbox"
	SignatureHeader = "X-Sandbox-Signature"

	// TokenDecline declines every charge. A suffix sets the reason, e.g.
	// tok_decline_insufficient_funds.
	TokenDecline     = "tok_decline"
	TokenUnavailable = "tok_unavailable"
	// TokenPending accepts charges that settle later through a webhook.
	TokenPending     = "tok_pending"

	signatureTolerance = 5 * time.Minute
)

type Gateway struct {
	secret string
	now    func() time.Time

	mu      sync.Mutex
	charges map[string]paymentdomain.ChargeResult
	refunds map[string]paymentdomain.RefundResult
	custs   map[string]paymentdomain.Customer
}

func New(secret string) *Gateway {
	return &Gateway{
		secret:  secret,
		now:     time.Now,
		charges: map[string]paymentdomain.ChargeResult{},
		refunds: map[string]paymentdomain.RefundResult{},
		custs:   map[string]paymentdomain.Customer{},
	}
}

func (g *Gateway) Provider() string {
	return providerName
}

func (g *Gateway) CreateCustomer(ctx context.Context, req paymentdomain.CreateCustomerRequest) (paymentdomain.Customer, error) {
	token := strings.TrimSpace(req.PaymentMethodToken)
	if token == "" {
		return paymentdomain.Customer{}, paymentdomain.ErrMissingPaymentMethod
	}
	if token == TokenUnavailable {
		return paymentdomain.Customer{}, fmt.Errorf("%w: sandbox outage", paymentdomain.ErrGatewayUnavailable)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if req.IdempotencyKey != "" {
		if existing, ok := g.custs[req.IdempotencyKey]; ok {
			return existing, nil
		}
	}
	customer := paymentdomain.Customer{
		CustomerRef:      "cus_sbx_" + ulid.Make().String(),
		PaymentMethodRef: token,
	}
	if req.IdempotencyKey != "" {
		g.custs[req.IdempotencyKey] = customer
	}
	return customer, nil
}

func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.ChargeResult, error) {
	if req.Amount <= 0 {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrInvalidAmount
	}
	token := strings.TrimSpace(req.PaymentMethodRef)
	if token == "" {
		return paymentdomain.ChargeResult{}, paymentdomain.ErrMissingPaymentMethod
	}
	if token == TokenUnavailable {
		return paymentdomain.ChargeResult{}, fmt.Errorf("%w: sandbox outage", paymentdomain.ErrGatewayUnavailable)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.charges[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return existing, nil
	}

	ref := "ch_sbx_" + ulid.Make().String()
	if strings.HasPrefix(token, TokenDecline) {
		reason := strings.TrimPrefix(strings.TrimPrefix(token, TokenDecline), "_")
		if reason == "" {
			reason = "card_declined"
		}
		return paymentdomain.ChargeResult{}, &paymentdomain.PaymentDeclinedError{ReasonCode: reason, GatewayRef: ref}
	}

	result := paymentdomain.ChargeResult{GatewayRef: ref, Outcome: paymentdomain.OutcomeSucceeded}
	if token == TokenPending {
		result.Outcome = paymentdomain.OutcomePending
	}
	if req.IdempotencyKey != "" {
		g.charges[req.IdempotencyKey] = result
	}
	return result, nil
}

func (g *Gateway) Refund(ctx context.Context, req paymentdomain.RefundRequest) (paymentdomain.RefundResult, error) {
	if req.Amount <= 0 {
		return paymentdomain.RefundResult{}, paymentdomain.ErrInvalidAmount
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.refunds[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return existing, nil
	}
	result := paymentdomain.RefundResult{GatewayRef: "re_sbx_" + ulid.Make().String()}
	if req.IdempotencyKey != "" {
		g.refunds[req.IdempotencyKey] = result
	}
	return result, nil
}

// WebhookPayload is the JSON body the sandbox delivers.
type WebhookPayload struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	GatewayRef  string `json:"gateway_ref"`
	CustomerRef string `json:"customer_ref"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	FailureCode string `json:"failure_code,omitempty"`
	OccurredAt  int64  `json:"occurred_at"`
}

func (g *Gateway) ParseWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.PaymentEvent, error) {
	if err := g.verify(payload, headers); err != nil {
		return nil, err
	}

	var body WebhookPayload
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(body.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	kind := paymentdomain.PaymentEventKind(body.Type)
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %s", paymentdomain.ErrUnsupportedEventType, body.Type)
	}

	occurredAt := g.now().UTC()
	if body.OccurredAt > 0 {
		occurredAt = time.Unix(body.OccurredAt, 0).UTC()
	}
	return &paymentdomain.PaymentEvent{
		Provider:        providerName,
		ProviderEventID: body.ID,
		Kind:            kind,
		GatewayRef:      body.GatewayRef,
		CustomerRef:     body.CustomerRef,
		Amount:          body.Amount,
		Currency:        strings.ToUpper(strings.TrimSpace(body.Currency)),
		FailureCode:     body.FailureCode,
		OccurredAt:      occurredAt,
		RawPayload:      payload,
	}, nil
}

// Sign returns the signature header value for payload at timestamp.
func Sign(secret string, payload []byte, timestamp time.Time) string {
	ts := strconv.FormatInt(timestamp.Unix(), 10)
	return fmt.Sprintf("t=%s,v1=%s", ts, computeSignature(secret, ts, payload))
}

func (g *Gateway) verify(payload []byte, headers http.Header) error {
	header := strings.TrimSpace(headers.Get(SignatureHeader))
	if header == "" || g.secret == "" {
		return paymentdomain.ErrInvalidSignature
	}

	var ts string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}
	if ts == "" || len(signatures) == 0 {
		return paymentdomain.ErrInvalidSignature
	}

	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}
	age := g.now().Sub(time.Unix(unix, 0))
	if age > signatureTolerance || age < -signatureTolerance {
		return paymentdomain.ErrInvalidSignature
	}

	expected := computeSignature(g.secret, ts, payload)
	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expected)) {
			return nil
		}
	}
	return paymentdomain.ErrInvalidSignature
}

func computeSignature(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
