package webhook_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/smallbiznis/nestbill/internal/payment/adapters/sandbox"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	"github.com/smallbiznis/nestbill/internal/payment/webhook"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(k *testkit.Kit) paymentdomain.WebhookService {
	return webhook.NewService(webhook.Params{
		DB:            k.DB,
		Log:           k.Log,
		GenID:         k.Node,
		Clock:         k.Clock,
		Gateways:      k.Gateways,
		Repo:          k.PaymentRepo,
		Subscriptions: k.Subscriptions,
		Recovery:      k.Recovery,
	})
}

func signed(t *testing.T, body sandbox.WebhookPayload) ([]byte, http.Header) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set(sandbox.SignatureHeader, sandbox.Sign(testkit.SandboxSecret, payload, time.Now()))
	return payload, headers
}

func TestIngestFailureMovesActiveToPastDueOnce(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-a", LastPayment: 1129})

	payload, headers := signed(t, sandbox.WebhookPayload{
		ID:          "evt_fail_1",
		Type:        string(paymentdomain.EventChargeFailed),
		GatewayRef:  "ch_ext_1",
		CustomerRef: "cus_fam-a",
		Amount:      1129,
		Currency:    "cad",
		FailureCode: "card_expired",
	})

	result, err := svc.IngestWebhook(ctx, "Sandbox", payload, headers)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, paymentdomain.EventChargeFailed, result.Kind)
	assert.Equal(t, subscriptiondomain.StatusPastDue, k.Reload(t, sub.ID).Status)
	openCycles := k.Count(t, `SELECT COUNT(*) FROM payment_retry_cycles WHERE subscription_id = ?`, sub.ID)
	assert.Equal(t, int64(1), openCycles)
	attempts := k.Count(t, `SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`, sub.ID)
	assert.Equal(t, int64(2), attempts)
	version := k.Reload(t, sub.ID).Version

	result, err = svc.IngestWebhook(ctx, "sandbox", payload, headers)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, openCycles, k.Count(t, `SELECT COUNT(*) FROM payment_retry_cycles WHERE subscription_id = ?`, sub.ID))
	assert.Equal(t, attempts, k.Count(t, `SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`, sub.ID))
	assert.Equal(t, version, k.Reload(t, sub.ID).Version)
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM payment_events WHERE processed_at IS NOT NULL`))
}

func TestIngestSuccessRecoversPastDueOnce(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-c", PaymentMethod: "tok_decline"})
	k.Clock.Set(*sub.CurrentPeriodEnd)
	_, err := k.Recovery.ChargeRenewal(ctx, k.Reload(t, sub.ID))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, k.Reload(t, sub.ID).Status)

	payload, headers := signed(t, sandbox.WebhookPayload{
		ID:          "evt_ok_1",
		Type:        string(paymentdomain.EventChargeSucceeded),
		GatewayRef:  "ch_ext_ok",
		CustomerRef: "cus_fam-c",
		Amount:      1129,
		Currency:    "cad",
	})
	result, err := svc.IngestWebhook(ctx, "sandbox", payload, headers)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	recovered := k.Reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, recovered.Status)
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM payment_retry_cycles WHERE subscription_id = ? AND status = 'recovered'`, sub.ID))
	attempts := k.Count(t, `SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`, sub.ID)
	assert.Equal(t, int64(2), attempts)

	result, err = svc.IngestWebhook(ctx, "sandbox", payload, headers)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, recovered.Version, k.Reload(t, sub.ID).Version)
	assert.Equal(t, attempts, k.Count(t, `SELECT COUNT(*) FROM payment_attempts WHERE subscription_id = ?`, sub.ID))
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM payment_events WHERE processed_at IS NOT NULL`))
}

func TestIngestFailureOfPendingChargeOpensGracePeriod(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-d", PaymentMethod: sandbox.TokenPending})
	k.Clock.Set(*sub.CurrentPeriodEnd)
	renewed, err := k.Recovery.ChargeRenewal(ctx, k.Reload(t, sub.ID))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, renewed.Status)

	var ref string
	require.NoError(t, k.DB.Raw(
		`SELECT gateway_ref FROM payment_attempts WHERE subscription_id = ? AND outcome = 'pending'`, sub.ID,
	).Scan(&ref).Error)
	require.NotEmpty(t, ref)

	payload, headers := signed(t, sandbox.WebhookPayload{
		ID:          "evt_pending_failed",
		Type:        string(paymentdomain.EventChargeFailed),
		GatewayRef:  ref,
		CustomerRef: "cus_fam-d",
		Amount:      1129,
		Currency:    "cad",
		FailureCode: "insufficient_funds",
	})
	_, err = svc.IngestWebhook(ctx, "sandbox", payload, headers)
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.StatusPastDue, k.Reload(t, sub.ID).Status)
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM payment_retry_cycles WHERE subscription_id = ? AND status = 'open'`, sub.ID))
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM invoices WHERE subscription_id = ? AND status = 'void'`, sub.ID))
}

func TestIngestRejectsWithoutStateChange(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-b", LastPayment: 1129})

	payload, _ := signed(t, sandbox.WebhookPayload{
		ID:          "evt_x",
		Type:        string(paymentdomain.EventChargeFailed),
		CustomerRef: "cus_fam-b",
	})
	_, err := svc.IngestWebhook(ctx, "sandbox", payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	unsupported, headers := signed(t, sandbox.WebhookPayload{ID: "evt_y", Type: "charge.disputed", CustomerRef: "cus_fam-b"})
	_, err = svc.IngestWebhook(ctx, "sandbox", unsupported, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrUnsupportedEventType)

	_, err = svc.IngestWebhook(ctx, "", payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidProvider)

	_, err = svc.IngestWebhook(ctx, "adyen", payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrProviderNotFound)

	assert.Equal(t, subscriptiondomain.StatusActive, k.Reload(t, sub.ID).Status)
	assert.Equal(t, int64(0), k.Count(t, `SELECT COUNT(*) FROM payment_events`))
}

func TestIngestUnknownCustomerIsAcknowledged(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k)

	payload, headers := signed(t, sandbox.WebhookPayload{
		ID:          "evt_orphan",
		Type:        string(paymentdomain.EventChargeSucceeded),
		GatewayRef:  "ch_unknown",
		CustomerRef: "cus_nobody",
		Amount:      499,
	})
	result, err := svc.IngestWebhook(context.Background(), "sandbox", payload, headers)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, int64(1), k.Count(t, `SELECT COUNT(*) FROM payment_events WHERE processed_at IS NOT NULL AND subscription_id IS NULL`))
}
