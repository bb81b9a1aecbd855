package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/nestbill/internal/config"
	entitlementservice "github.com/smallbiznis/nestbill/internal/entitlement/service"
	"github.com/smallbiznis/nestbill/internal/invoice/render"
	invoiceservice "github.com/smallbiznis/nestbill/internal/invoice/service"
	"github.com/smallbiznis/nestbill/internal/payment/adapters/sandbox"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	"github.com/smallbiznis/nestbill/internal/payment/webhook"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/internal/testkit"
	trialdomain "github.com/smallbiznis/nestbill/internal/trial/domain"
	trialrepo "github.com/smallbiznis/nestbill/internal/trial/repository"
	trialservice "github.com/smallbiznis/nestbill/internal/trial/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type envelope struct {
	Data     json.RawMessage `json:"data"`
	PageInfo json.RawMessage `json:"page_info"`
	Error    errorPayload    `json:"error"`
}

func newTestServer(t *testing.T) (*gin.Engine, *testkit.Kit) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	k := testkit.New(t)
	enforcer, err := entitlementservice.NewEnforcer()
	require.NoError(t, err)

	srv := NewServer(ServerParams{
		Gin:             gin.New(),
		SubscriptionSvc: k.Subscriptions,
		TrialSvc: trialservice.NewService(trialservice.ServiceParam{
			DB:            k.DB,
			Log:           k.Log,
			GenID:         k.Node,
			Clock:         k.Clock,
			Billing:       k.Billing,
			Repo:          trialrepo.Provide(),
			Subscriptions: k.Subscriptions,
		}),
		ConversionSvc: k.Conversion,
		InvoiceSvc: invoiceservice.NewService(invoiceservice.ServiceParam{
			DB:               k.DB,
			Log:              k.Log,
			Renderer:         render.NewRenderer(),
			Repo:             k.InvoiceRepo,
			SubscriptionRepo: k.SubscriptionRepo,
		}),
		Gate: entitlementservice.NewService(entitlementservice.ServiceParam{
			Log:           k.Log,
			Enforcer:      enforcer,
			Subscriptions: k.Subscriptions,
		}),
		WebhookSvc: webhook.NewService(webhook.Params{
			DB:            k.DB,
			Log:           k.Log,
			GenID:         k.Node,
			Clock:         k.Clock,
			Gateways:      k.Gateways,
			Repo:          k.PaymentRepo,
			Subscriptions: k.Subscriptions,
			Recovery:      k.Recovery,
		}),
	})
	srv.Engine().Use(ErrorHandlingMiddleware())
	srv.RegisterRoutes()
	return srv.Engine(), k
}

func do(t *testing.T, router http.Handler, method, path string, body any, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch v := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(v)
	default:
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	var env envelope
	if resp.Header().Get("Content-Type") != "application/pdf" && resp.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env), resp.Body.String())
	}
	return resp, env
}

func TestTrialToPaidFlow(t *testing.T) {
	router, _ := newTestServer(t)

	resp, env := do(t, router, http.MethodPost, "/v1/subscriptions", gin.H{
		"family_id": "fam-http",
		"plan_tier": "premium",
		"cadence":   "monthly",
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	var sub subscriptiondomain.Subscription
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	assert.Equal(t, subscriptiondomain.StatusTrialing, sub.Status)
	base := "/v1/subscriptions/" + sub.ID.String()

	resp, _ = do(t, router, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	resp, env = do(t, router, http.MethodPost, base+"/usage", gin.H{"feature_key": "Sleep Coaching"})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var usage trialdomain.UsageResult
	require.NoError(t, json.Unmarshal(env.Data, &usage))
	assert.Equal(t, "sleep-coaching", usage.FeatureKey)
	assert.True(t, usage.Recorded)

	resp, env = do(t, router, http.MethodGet, base+"/trial-progress", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var progress trialdomain.Progress
	require.NoError(t, json.Unmarshal(env.Data, &progress))
	assert.Equal(t, int64(1), progress.FeaturesExplored)
	assert.Equal(t, 14, progress.DaysRemaining)

	resp, env = do(t, router, http.MethodGet, base+"/access/sleep-coaching", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, string(env.Data), `"allowed":true`)

	resp, env = do(t, router, http.MethodPost, base+"/convert", gin.H{
		"payment_method_token": "tok_visa",
		"jurisdiction":         "CA-ON",
	})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var converted struct {
		Subscription subscriptiondomain.Subscription `json:"subscription"`
		Invoice      struct {
			ID    string `json:"id"`
			Total int64  `json:"total"`
		} `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &converted))
	assert.Equal(t, subscriptiondomain.StatusActive, converted.Subscription.Status)
	assert.Equal(t, int64(1129), converted.Invoice.Total)

	resp, env = do(t, router, http.MethodGet, base+"/invoices", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	var invoices []json.RawMessage
	require.NoError(t, json.Unmarshal(env.Data, &invoices))
	assert.Len(t, invoices, 1)

	resp, _ = do(t, router, http.MethodGet, "/v1/invoices/"+converted.Invoice.ID+"/pdf", nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "application/pdf", resp.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(resp.Body.Bytes(), []byte("%PDF-")))

	resp, env = do(t, router, http.MethodPost, base+"/convert", gin.H{
		"payment_method_token": "tok_visa",
		"jurisdiction":         "CA-ON",
	})
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "invalid_transition", env.Error.Type)
}

func TestStartTrialErrors(t *testing.T) {
	router, _ := newTestServer(t)

	resp, env := do(t, router, http.MethodPost, "/v1/subscriptions", gin.H{"plan_tier": "premium"})
	require.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "validation_error", env.Error.Type)
	require.Len(t, env.Error.Errors, 1)
	assert.Equal(t, "family_id", env.Error.Errors[0].Field)

	resp, _ = do(t, router, http.MethodPost, "/v1/subscriptions", []byte(`{`))
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	body := gin.H{"family_id": "fam-dup", "plan_tier": "basic"}
	resp, _ = do(t, router, http.MethodPost, "/v1/subscriptions", body)
	require.Equal(t, http.StatusCreated, resp.Code)
	resp, env = do(t, router, http.MethodPost, "/v1/subscriptions", body)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "already_subscribed", env.Error.Type)
}

func TestSubscriptionLookupErrors(t *testing.T) {
	router, _ := newTestServer(t)

	resp, env := do(t, router, http.MethodGet, "/v1/subscriptions/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "id", env.Error.Errors[0].Field)

	resp, env = do(t, router, http.MethodGet, "/v1/subscriptions/12345", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Equal(t, "not_found", env.Error.Type)
}

func TestConvertDeclinedAndUnsupportedJurisdiction(t *testing.T) {
	router, k := newTestServer(t)

	resp, env := do(t, router, http.MethodPost, "/v1/subscriptions", gin.H{"family_id": "fam-decline", "plan_tier": "premium"})
	require.Equal(t, http.StatusCreated, resp.Code)
	var sub subscriptiondomain.Subscription
	require.NoError(t, json.Unmarshal(env.Data, &sub))
	path := "/v1/subscriptions/" + sub.ID.String() + "/convert"

	resp, env = do(t, router, http.MethodPost, path, gin.H{
		"payment_method_token": "tok_decline_insufficient_funds",
		"jurisdiction":         "CA-ON",
	})
	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Equal(t, "payment_declined", env.Error.Type)
	assert.Equal(t, "insufficient_funds", env.Error.ReasonCode)

	resp, env = do(t, router, http.MethodPost, path, gin.H{
		"payment_method_token": "tok_visa",
		"jurisdiction":         "US-CA",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "unsupported_jurisdiction", env.Error.Type)

	resp, env = do(t, router, http.MethodPost, path, gin.H{"jurisdiction": "CA-ON"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Equal(t, "payment_method_token", env.Error.Errors[0].Field)

	assert.Equal(t, subscriptiondomain.StatusTrialing, k.Reload(t, sub.ID).Status)
	assert.Equal(t, int64(0), k.Count(t, `SELECT COUNT(*) FROM invoices`))
}

func TestCancelAndReactivate(t *testing.T) {
	router, k := newTestServer(t)
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-annual", Cadence: config.CadenceAnnual, LastPayment: 9999})
	base := "/v1/subscriptions/" + sub.ID.String()

	resp, _ := do(t, router, http.MethodPost, base+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())

	resp, env := do(t, router, http.MethodPost, base+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "invalid_transition", env.Error.Type)

	resp, env = do(t, router, http.MethodPost, base+"/reactivate", nil)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	var reactivated subscriptiondomain.Subscription
	require.NoError(t, json.Unmarshal(env.Data, &reactivated))
	assert.Equal(t, subscriptiondomain.StatusActive, reactivated.Status)
	assert.False(t, reactivated.NonRenewing)

	resp, env = do(t, router, http.MethodPost, base+"/reactivate", nil)
	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, "cooling_off_expired", env.Error.Type)
}

func TestPaymentWebhook(t *testing.T) {
	router, k := newTestServer(t)
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-hook", LastPayment: 1129})

	payload, err := json.Marshal(sandbox.WebhookPayload{
		ID:          "evt_1",
		Type:        string(paymentdomain.EventChargeFailed),
		GatewayRef:  "ch_external_1",
		CustomerRef: "cus_fam-hook",
		Amount:      1129,
		Currency:    "cad",
		FailureCode: "card_expired",
	})
	require.NoError(t, err)
	signature := sandbox.Sign(testkit.SandboxSecret, payload, time.Now())

	resp, env := do(t, router, http.MethodPost, "/webhooks/payments/sandbox", payload, sandbox.SignatureHeader, "t=1,v1=bad")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
	assert.Equal(t, "invalid_signature", env.Error.Type)
	assert.Equal(t, subscriptiondomain.StatusActive, k.Reload(t, sub.ID).Status)

	resp, env = do(t, router, http.MethodPost, "/webhooks/payments/sandbox", payload, sandbox.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Contains(t, string(env.Data), `"duplicate":false`)
	assert.Equal(t, subscriptiondomain.StatusPastDue, k.Reload(t, sub.ID).Status)

	resp, env = do(t, router, http.MethodPost, "/webhooks/payments/sandbox", payload, sandbox.SignatureHeader, signature)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, string(env.Data), `"duplicate":true`)
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM payment_events`))

	unknown := []byte(`{"id":"evt_2","type":"charge.disputed","customer_ref":"cus_fam-hook"}`)
	resp, env = do(t, router, http.MethodPost, "/webhooks/payments/sandbox", unknown,
		sandbox.SignatureHeader, sandbox.Sign(testkit.SandboxSecret, unknown, time.Now()))
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Equal(t, "unsupported_event_type", env.Error.Type)

	resp, _ = do(t, router, http.MethodPost, "/webhooks/payments/paypal", payload)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestPaymentWebhookRejectsOversizedBody(t *testing.T) {
	router, k := newTestServer(t)
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-big", LastPayment: 1129})

	payload, err := json.Marshal(sandbox.WebhookPayload{
		ID:          "evt_big",
		Type:        string(paymentdomain.EventChargeFailed),
		GatewayRef:  strings.Repeat("x", maxWebhookBody),
		CustomerRef: "cus_fam-big",
		FailureCode: "card_expired",
	})
	require.NoError(t, err)
	signature := sandbox.Sign(testkit.SandboxSecret, payload, time.Now())

	resp, env := do(t, router, http.MethodPost, "/webhooks/payments/sandbox", payload, sandbox.SignatureHeader, signature)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.Code)
	assert.Equal(t, "payload_too_large", env.Error.Type)
	assert.Equal(t, subscriptiondomain.StatusActive, k.Reload(t, sub.ID).Status)
	assert.Equal(t, int64(0), k.Count(t, `SELECT COUNT(*) FROM payment_events`))
}

func TestMapError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		status    int
		errType   string
		retryable bool
	}{
		{"concurrent", fmt.Errorf("transition: %w", subscriptiondomain.ErrConcurrentModification), http.StatusConflict, "concurrent_modification", true},
		{"not cancelable", subscriptiondomain.ErrNotCancelable, http.StatusConflict, "not_cancelable", false},
		{"trial not active", trialdomain.ErrTrialNotActive, http.StatusConflict, "trial_not_active", false},
		{"rate limited", trialdomain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited", true},
		{"declined", &paymentdomain.PaymentDeclinedError{ReasonCode: "expired_card"}, http.StatusPaymentRequired, "payment_declined", false},
		{"gateway", fmt.Errorf("convert: %w", paymentdomain.ErrGatewayUnavailable), http.StatusServiceUnavailable, "service_unavailable", true},
		{"too large", ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "payload_too_large", false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal_error", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, payload := mapError(tc.err)
			assert.Equal(t, tc.status, status)
			assert.Equal(t, tc.errType, payload.Type)
			assert.Equal(t, tc.retryable, payload.Retryable)
		})
	}

	_, payload := mapError(fmt.Errorf("wrapped: %w", &paymentdomain.PaymentDeclinedError{ReasonCode: "do_not_honor"}))
	assert.Equal(t, "do_not_honor", payload.ReasonCode)
}
