package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	conversiondomain "github.com/smallbiznis/nestbill/internal/conversion/domain"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/payment/adapters/sandbox"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/internal/testkit"
	"github.com/stretchr/testify/require"
)

func openCycle(t *testing.T, k *testkit.Kit, subscriptionID snowflake.ID) *recoverydomain.RetryCycle {
	t.Helper()
	cycle, err := k.CycleRepo.FindOpenBySubscription(context.Background(), k.DB, subscriptionID)
	require.NoError(t, err)
	return cycle
}

func gatewayRefs(t *testing.T, k *testkit.Kit, subscriptionID snowflake.ID, outcome paymentdomain.AttemptOutcome) []string {
	t.Helper()
	var refs []string
	require.NoError(t, k.DB.Raw(
		`SELECT gateway_ref FROM payment_attempts WHERE subscription_id = ? AND outcome = ? ORDER BY id`,
		subscriptionID, outcome,
	).Scan(&refs).Error)
	return refs
}

func advanceToRenewal(k *testkit.Kit, sub subscriptiondomain.Subscription) {
	k.Clock.Set(*sub.CurrentPeriodEnd)
}

func TestProcessDueRenewalsChargesAndAdvancesPeriod(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-renew", LastPayment: 1129})

	processed, err := k.Recovery.ProcessDueRenewals(ctx, k.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 0, processed, "nothing is due before the period ends")

	advanceToRenewal(k, sub)
	processed, err = k.Recovery.ProcessDueRenewals(ctx, k.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	updated := k.Reload(t, sub.ID)
	require.Equal(t, subscriptiondomain.StatusActive, updated.Status)
	require.True(t, updated.CurrentPeriodStart.Equal(*sub.CurrentPeriodEnd))
	require.True(t, updated.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd.AddDate(0, 1, 0)))
	require.Equal(t, sub.Version+1, updated.Version)

	require.EqualValues(t, 2, k.Count(t, `SELECT COUNT(1) FROM invoices WHERE subscription_id = ? AND status = 'final'`, sub.ID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM invoices WHERE subscription_id = ? AND total = 1129 AND period_start = ?`, sub.ID, *updated.CurrentPeriodStart))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM billing_events WHERE event_type = 'subscription.renewed'`))
}

func TestRenewalTransportFailureLeavesStateUntouched(t *testing.T) {
	k := testkit.New(t)
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-outage", PaymentMethod: sandbox.TokenUnavailable})
	advanceToRenewal(k, sub)

	_, err := k.Recovery.ChargeRenewal(context.Background(), k.Reload(t, sub.ID))
	require.ErrorIs(t, err, paymentdomain.ErrGatewayUnavailable)

	require.Equal(t, subscriptiondomain.StatusActive, k.Reload(t, sub.ID).Status)
	require.EqualValues(t, 0, k.Count(t, `SELECT COUNT(1) FROM payment_retry_cycles`))
	require.EqualValues(t, 0, k.Count(t, `SELECT COUNT(1) FROM payment_attempts`))
}

func TestDeclinedRenewalOpensGracePeriod(t *testing.T) {
	k := testkit.New(t)
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-decline", PaymentMethod: "tok_decline_insufficient_funds"})
	advanceToRenewal(k, sub)
	graceStart := k.Clock.Now()

	updated, err := k.Recovery.ChargeRenewal(context.Background(), k.Reload(t, sub.ID))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, updated.Status)

	cycle := openCycle(t, k, sub.ID)
	require.NotNil(t, cycle)
	require.Equal(t, 1, cycle.AttemptsMade)
	require.Equal(t, 4, cycle.MaxAttempts)
	require.True(t, cycle.NextRetryAt.Equal(graceStart.Add(24*time.Hour)))

	invoice, err := k.InvoiceRepo.FindByID(context.Background(), k.DB, cycle.InvoiceID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusDraft, invoice.Status)
	require.EqualValues(t, 1129, invoice.Total)

	require.EqualValues(t, 1, k.Count(t,
		`SELECT COUNT(1) FROM payment_attempts WHERE retry_cycle_id = ? AND attempt_number = 1 AND outcome = 'failed' AND failure_code = 'insufficient_funds'`,
		cycle.ID))
}

func TestRetriesExhaustAndCancel(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-exhaust", PaymentMethod: "tok_decline"})
	advanceToRenewal(k, sub)
	graceStart := k.Clock.Now()

	_, err := k.Recovery.ChargeRenewal(ctx, k.Reload(t, sub.ID))
	require.NoError(t, err)
	cycle := openCycle(t, k, sub.ID)
	require.NotNil(t, cycle)

	processed, err := k.Recovery.ProcessDueRetries(ctx, k.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 0, processed, "first retry is not due yet")

	expectedNext := []time.Duration{72 * time.Hour, 168 * time.Hour}
	for i, offset := range []time.Duration{24 * time.Hour, 72 * time.Hour} {
		k.Clock.Set(graceStart.Add(offset))
		processed, err = k.Recovery.ProcessDueRetries(ctx, k.Clock.Now(), 10)
		require.NoError(t, err)
		require.Equal(t, 1, processed)

		current := openCycle(t, k, sub.ID)
		require.NotNil(t, current)
		require.Equal(t, i+2, current.AttemptsMade)
		require.True(t, current.NextRetryAt.Equal(graceStart.Add(expectedNext[i])))
		require.Equal(t, subscriptiondomain.StatusPastDue, k.Reload(t, sub.ID).Status)
	}

	k.Clock.Set(graceStart.Add(168 * time.Hour))
	processed, err = k.Recovery.ProcessDueRetries(ctx, k.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	final := k.Reload(t, sub.ID)
	require.Equal(t, subscriptiondomain.StatusCanceled, final.Status)
	require.True(t, final.NonRenewing)
	require.Nil(t, openCycle(t, k, sub.ID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM payment_retry_cycles WHERE id = ? AND status = 'exhausted' AND attempts_made = 4`, cycle.ID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM invoices WHERE id = ? AND status = 'void'`, cycle.InvoiceID))
	require.EqualValues(t, 4, k.Count(t, `SELECT COUNT(1) FROM payment_attempts WHERE retry_cycle_id = ?`, cycle.ID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM billing_events WHERE event_type = 'subscription.grace_exhausted'`))
}

func TestRetryRecoversSubscription(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-recover", PaymentMethod: "tok_decline"})
	advanceToRenewal(k, sub)

	_, err := k.Recovery.ChargeRenewal(ctx, k.Reload(t, sub.ID))
	require.NoError(t, err)
	cycle := openCycle(t, k, sub.ID)
	require.NotNil(t, cycle)

	k.SetPaymentMethod(t, sub.ID, "tok_visa")
	k.Clock.Advance(24 * time.Hour)
	processed, err := k.Recovery.ProcessDueRetries(ctx, k.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	recovered := k.Reload(t, sub.ID)
	require.Equal(t, subscriptiondomain.StatusActive, recovered.Status)
	require.True(t, recovered.CurrentPeriodStart.Equal(*sub.CurrentPeriodEnd))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM payment_retry_cycles WHERE id = ? AND status = 'recovered'`, cycle.ID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM invoices WHERE id = ? AND status = 'final'`, cycle.InvoiceID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM payment_attempts WHERE retry_cycle_id = ? AND attempt_number = 2 AND outcome = 'succeeded'`, cycle.ID))
}

func TestRecordExternalOutcome(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-webhook", LastPayment: 1129})

	// A success the engine already recorded is a no-op.
	err := k.Recovery.RecordExternalOutcome(ctx, sub.ID, recoverydomain.ExternalOutcome{
		Succeeded:  true,
		GatewayRef: "ch_seed_" + sub.ID.String(),
		Amount:     1129,
		OccurredAt: k.Clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, sub.Version, k.Reload(t, sub.ID).Version)

	err = k.Recovery.RecordExternalOutcome(ctx, sub.ID, recoverydomain.ExternalOutcome{
		Succeeded:   false,
		GatewayRef:  "ch_async_fail",
		FailureCode: "expired_card",
		OccurredAt:  k.Clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusPastDue, k.Reload(t, sub.ID).Status)
	cycle := openCycle(t, k, sub.ID)
	require.NotNil(t, cycle)

	err = k.Recovery.RecordExternalOutcome(ctx, sub.ID, recoverydomain.ExternalOutcome{
		Succeeded:  true,
		GatewayRef: "ch_async_ok",
		OccurredAt: k.Clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, k.Reload(t, sub.ID).Status)
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM payment_retry_cycles WHERE id = ? AND status = 'recovered'`, cycle.ID))
}

func TestPendingConversionThatFailsOpensGracePeriod(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	trial, err := k.Subscriptions.StartTrial(ctx, subscriptiondomain.StartTrialRequest{FamilyID: "fam-pending", PlanTier: "premium"})
	require.NoError(t, err)

	converted, err := k.Conversion.ConvertToPaid(ctx, conversiondomain.ConvertRequest{
		SubscriptionID:     trial.ID,
		PaymentMethodToken: sandbox.TokenPending,
		Jurisdiction:       "CA-ON",
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, converted.Subscription.Status)

	refs := gatewayRefs(t, k, trial.ID, paymentdomain.OutcomePending)
	require.Len(t, refs, 1)

	err = k.Recovery.RecordExternalOutcome(ctx, trial.ID, recoverydomain.ExternalOutcome{
		Succeeded:   false,
		GatewayRef:  refs[0],
		FailureCode: "insufficient_funds",
		OccurredAt:  k.Clock.Now(),
	})
	require.NoError(t, err)

	updated := k.Reload(t, trial.ID)
	require.Equal(t, subscriptiondomain.StatusPastDue, updated.Status)
	cycle := openCycle(t, k, trial.ID)
	require.NotNil(t, cycle)
	require.Equal(t, 1, cycle.AttemptsMade)

	settled, err := k.InvoiceRepo.FindByID(ctx, k.DB, converted.Invoice.ID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusVoid, settled.Status)
	owed, err := k.InvoiceRepo.FindByID(ctx, k.DB, cycle.InvoiceID)
	require.NoError(t, err)
	require.Equal(t, invoicedomain.InvoiceStatusDraft, owed.Status)
	require.True(t, owed.PeriodStart.Equal(*updated.CurrentPeriodStart))

	require.EqualValues(t, 1, k.Count(t,
		`SELECT COUNT(1) FROM payment_attempts WHERE retry_cycle_id = ? AND outcome = 'failed' AND failure_code = 'insufficient_funds'`,
		cycle.ID))
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM payment_attempts WHERE gateway_ref = ? AND outcome = 'pending'`, refs[0]))

	// The same failure delivered again leaves the grace period alone.
	err = k.Recovery.RecordExternalOutcome(ctx, trial.ID, recoverydomain.ExternalOutcome{
		Succeeded:   false,
		GatewayRef:  refs[0],
		FailureCode: "insufficient_funds",
		OccurredAt:  k.Clock.Now(),
	})
	require.NoError(t, err)
	require.Equal(t, updated.Version, k.Reload(t, trial.ID).Version)
	require.EqualValues(t, 2, k.Count(t, `SELECT COUNT(1) FROM payment_attempts WHERE subscription_id = ?`, trial.ID))
}

func TestPendingChargeSettlesOnce(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-settle", PaymentMethod: sandbox.TokenPending})
	advanceToRenewal(k, sub)

	renewed, err := k.Recovery.ChargeRenewal(ctx, k.Reload(t, sub.ID))
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusActive, renewed.Status)

	refs := gatewayRefs(t, k, sub.ID, paymentdomain.OutcomePending)
	require.Len(t, refs, 1, "renewal records the charge as the gateway reported it")

	settled := recoverydomain.ExternalOutcome{
		Succeeded:  true,
		GatewayRef: refs[0],
		OccurredAt: k.Clock.Now(),
	}
	for range 2 {
		require.NoError(t, k.Recovery.RecordExternalOutcome(ctx, sub.ID, settled))
	}

	require.Equal(t, renewed.Version, k.Reload(t, sub.ID).Version)
	require.EqualValues(t, 0, k.Count(t, `SELECT COUNT(1) FROM payment_retry_cycles WHERE subscription_id = ?`, sub.ID))
	require.Equal(t, []string{refs[0] + ":settled"}, gatewayRefs(t, k, sub.ID, paymentdomain.OutcomeSucceeded))

	last, err := k.PaymentRepo.FindLastSucceeded(ctx, k.DB, sub.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	require.EqualValues(t, 1129, last.Amount)
}

func TestRetryRecordsPendingRecovery(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-retry-pending", PaymentMethod: "tok_decline"})
	advanceToRenewal(k, sub)
	graceStart := k.Clock.Now()

	_, err := k.Recovery.ChargeRenewal(ctx, k.Reload(t, sub.ID))
	require.NoError(t, err)
	cycle := openCycle(t, k, sub.ID)
	require.NotNil(t, cycle)

	k.SetPaymentMethod(t, sub.ID, sandbox.TokenPending)
	k.Clock.Set(graceStart.Add(24 * time.Hour))
	processed, err := k.Recovery.ProcessDueRetries(ctx, k.Clock.Now(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	require.Equal(t, subscriptiondomain.StatusActive, k.Reload(t, sub.ID).Status)
	require.EqualValues(t, 1, k.Count(t, `SELECT COUNT(1) FROM payment_attempts WHERE retry_cycle_id = ? AND attempt_number = 2 AND outcome = 'pending'`, cycle.ID))
}

func TestProcessDueRenewalsSkipsSubscriptionsWithoutPaymentMethod(t *testing.T) {
	k := testkit.New(t)
	ctx := context.Background()
	orphan := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-no-method"})
	require.NoError(t, k.DB.Exec(`UPDATE subscriptions SET payment_method_ref = NULL WHERE id = ?`, orphan.ID).Error)
	billable := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-billable"})
	advanceToRenewal(k, billable)

	// A limit of one would be spent on the orphan forever if it were listed.
	processed, err := k.Recovery.ProcessDueRenewals(ctx, k.Clock.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, 1, processed)

	processed, err = k.Recovery.ProcessDueRenewals(ctx, k.Clock.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, 0, processed)

	require.True(t, k.Reload(t, billable.ID).CurrentPeriodStart.Equal(*billable.CurrentPeriodEnd))
	require.True(t, k.Reload(t, orphan.ID).CurrentPeriodEnd.Equal(*orphan.CurrentPeriodEnd))
}
