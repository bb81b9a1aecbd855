// Package testkit wires the lifecycle services against an in-memory database
// for package tests.
package testkit

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	billingeventdomain "github.com/smallbiznis/nestbill/internal/billingevent/domain"
	billingeventrepo "github.com/smallbiznis/nestbill/internal/billingevent/repository"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/config"
	conversiondomain "github.com/smallbiznis/nestbill/internal/conversion/domain"
	conversionservice "github.com/smallbiznis/nestbill/internal/conversion/service"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/nestbill/internal/invoice/repository"
	"github.com/smallbiznis/nestbill/internal/payment/adapters"
	"github.com/smallbiznis/nestbill/internal/payment/adapters/sandbox"
	paymentdomain "github.com/smallbiznis/nestbill/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/nestbill/internal/payment/repository"
	recoverydomain "github.com/smallbiznis/nestbill/internal/recovery/domain"
	recoveryrepo "github.com/smallbiznis/nestbill/internal/recovery/repository"
	recoveryservice "github.com/smallbiznis/nestbill/internal/recovery/service"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/nestbill/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/nestbill/internal/subscription/service"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
	taxservice "github.com/smallbiznis/nestbill/internal/tax/service"
	"github.com/smallbiznis/nestbill/pkg/db/dbtest"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const SandboxSecret = "whsec_sandbox_test"

// Start is the fixed wall-clock every kit begins at.
var Start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type Kit struct {
	DB       *gorm.DB
	Log      *zap.Logger
	Node     *snowflake.Node
	Clock    *clock.FakeClock
	Billing  *config.BillingConfigHolder
	Tax      taxdomain.Calculator
	Sandbox  *sandbox.Gateway
	Gateways *adapters.Registry

	SubscriptionRepo subscriptiondomain.Repository
	EventRepo        billingeventdomain.Repository
	CycleRepo        recoverydomain.Repository
	InvoiceRepo      invoicedomain.Repository
	PaymentRepo      paymentdomain.Repository

	Subscriptions subscriptiondomain.Service
	Recovery      recoverydomain.Service
	Conversion    conversiondomain.Service
}

type options struct {
	billing         config.BillingConfig
	defaultProvider string
	gateways        []paymentdomain.Gateway
}

type Option func(*options)

// WithBilling replaces the default lifecycle policy.
func WithBilling(cfg config.BillingConfig) Option {
	return func(o *options) { o.billing = cfg }
}

// WithGateway registers an extra gateway and makes it the default.
func WithGateway(gateway paymentdomain.Gateway) Option {
	return func(o *options) {
		o.gateways = append(o.gateways, gateway)
		o.defaultProvider = gateway.Provider()
	}
}

func New(t testing.TB, opts ...Option) *Kit {
	t.Helper()

	o := options{billing: config.DefaultBillingConfig(), defaultProvider: "sandbox"}
	for _, opt := range opts {
		opt(&o)
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	billing, err := config.NewStaticBillingConfigHolder(o.billing)
	if err != nil {
		t.Fatalf("billing config: %v", err)
	}
	calc, err := taxservice.NewCalculator(billing)
	if err != nil {
		t.Fatalf("tax calculator: %v", err)
	}

	gw := sandbox.New(SandboxSecret)
	registry := adapters.NewRegistry(o.defaultProvider, append([]paymentdomain.Gateway{gw}, o.gateways...)...)

	k := &Kit{
		DB:       dbtest.Open(t),
		Log:      zap.NewNop(),
		Node:     node,
		Clock:    clock.NewFakeClock(Start),
		Billing:  billing,
		Tax:      calc,
		Sandbox:  gw,
		Gateways: registry,

		SubscriptionRepo: subscriptionrepo.Provide(),
		EventRepo:        billingeventrepo.Provide(),
		CycleRepo:        recoveryrepo.Provide(),
		InvoiceRepo:      invoicerepo.Provide(),
		PaymentRepo:      paymentrepo.Provide(),
	}

	k.Subscriptions = subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:          k.DB,
		Log:         k.Log,
		GenID:       node,
		Clock:       k.Clock,
		Billing:     billing,
		Repo:        k.SubscriptionRepo,
		EventRepo:   k.EventRepo,
		CycleRepo:   k.CycleRepo,
		InvoiceRepo: k.InvoiceRepo,
		PaymentRepo: k.PaymentRepo,
		Gateways:    registry,
	})
	k.Recovery = recoveryservice.NewService(recoveryservice.ServiceParam{
		DB:            k.DB,
		Log:           k.Log,
		GenID:         node,
		Clock:         k.Clock,
		Billing:       billing,
		Repo:          k.CycleRepo,
		Subscriptions: k.Subscriptions,
		InvoiceRepo:   k.InvoiceRepo,
		PaymentRepo:   k.PaymentRepo,
		Gateways:      registry,
		Tax:           calc,
	})
	k.Conversion = conversionservice.NewService(conversionservice.ServiceParam{
		Log:           k.Log,
		GenID:         node,
		Clock:         k.Clock,
		Billing:       billing,
		Subscriptions: k.Subscriptions,
		InvoiceRepo:   k.InvoiceRepo,
		PaymentRepo:   k.PaymentRepo,
		Gateways:      registry,
		Tax:           calc,
	})
	return k
}

// Paid describes a subscription seeded directly into a paid state.
type Paid struct {
	FamilyID      string
	Tier          string
	Cadence       string
	Status        subscriptiondomain.SubscriptionStatus
	Provider      string
	PaymentMethod string
	Jurisdiction  string
	PeriodStart   time.Time
	// LastPayment, when positive, seeds a final invoice and a succeeded
	// attempt for the current period.
	LastPayment int64
}

// SeedPaid inserts a paid subscription without going through conversion.
func (k *Kit) SeedPaid(t testing.TB, p Paid) subscriptiondomain.Subscription {
	t.Helper()

	if p.Tier == "" {
		p.Tier = "premium"
	}
	if p.Cadence == "" {
		p.Cadence = config.CadenceMonthly
	}
	if p.Status == "" {
		p.Status = subscriptiondomain.StatusActive
	}
	if p.Provider == "" {
		p.Provider = "sandbox"
	}
	if p.PaymentMethod == "" {
		p.PaymentMethod = "tok_visa"
	}
	if p.Jurisdiction == "" {
		p.Jurisdiction = "CA-ON"
	}
	if p.PeriodStart.IsZero() {
		p.PeriodStart = k.Clock.Now()
	}

	now := k.Clock.Now()
	trialEnd := p.PeriodStart
	trialStart := trialEnd.Add(-k.Billing.Get().TrialDuration())
	periodEnd := subscriptiondomain.NextPeriodEnd(p.PeriodStart, p.Cadence)
	sub := subscriptiondomain.Subscription{
		ID:                 k.Node.Generate(),
		FamilyID:           p.FamilyID,
		Status:             p.Status,
		PlanTier:           p.Tier,
		Cadence:            p.Cadence,
		TrialStartsAt:      subscriptiondomain.TimePtr(trialStart),
		TrialEndsAt:        subscriptiondomain.TimePtr(trialEnd),
		CurrentPeriodStart: subscriptiondomain.TimePtr(p.PeriodStart),
		CurrentPeriodEnd:   subscriptiondomain.TimePtr(periodEnd),
		Jurisdiction:       subscriptiondomain.StringPtr(p.Jurisdiction),
		GatewayProvider:    subscriptiondomain.StringPtr(p.Provider),
		GatewayCustomerRef: subscriptiondomain.StringPtr("cus_" + p.FamilyID),
		PaymentMethodRef:   subscriptiondomain.StringPtr(p.PaymentMethod),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	ctx := context.Background()
	if err := k.SubscriptionRepo.Insert(ctx, k.DB, &sub); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}

	if p.LastPayment > 0 {
		invoice := &invoicedomain.Invoice{
			ID:             k.Node.Generate(),
			SubscriptionID: sub.ID,
			PeriodStart:    p.PeriodStart,
			PeriodEnd:      periodEnd,
			Currency:       k.Billing.Get().Currency,
			Jurisdiction:   p.Jurisdiction,
			Subtotal:       p.LastPayment,
			Total:          p.LastPayment,
			Status:         invoicedomain.InvoiceStatusFinal,
			FinalizedAt:    subscriptiondomain.TimePtr(p.PeriodStart),
			CreatedAt:      p.PeriodStart,
		}
		if err := k.InvoiceRepo.Insert(ctx, k.DB, invoice); err != nil {
			t.Fatalf("seed invoice: %v", err)
		}
		attempt := &paymentdomain.PaymentAttempt{
			ID:              k.Node.Generate(),
			SubscriptionID:  sub.ID,
			InvoiceID:       invoice.ID,
			Amount:          p.LastPayment,
			Currency:        invoice.Currency,
			GatewayProvider: p.Provider,
			GatewayRef:      "ch_seed_" + sub.ID.String(),
			Outcome:         paymentdomain.OutcomeSucceeded,
			AttemptNumber:   1,
			AttemptedAt:     p.PeriodStart,
		}
		if err := k.PaymentRepo.InsertAttempt(ctx, k.DB, attempt); err != nil {
			t.Fatalf("seed attempt: %v", err)
		}
	}
	return sub
}

// Reload reads the subscription straight from the database.
func (k *Kit) Reload(t testing.TB, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := k.Subscriptions.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("reload subscription: %v", err)
	}
	return sub
}

// SetPaymentMethod swaps the stored payment method, which drives sandbox
// charge outcomes.
func (k *Kit) SetPaymentMethod(t testing.TB, id snowflake.ID, token string) {
	t.Helper()
	if err := k.DB.Exec(`UPDATE subscriptions SET payment_method_ref = ? WHERE id = ?`, token, id).Error; err != nil {
		t.Fatalf("set payment method: %v", err)
	}
}

// Count runs a COUNT query against the kit database.
func (k *Kit) Count(t testing.TB, query string, args ...any) int64 {
	t.Helper()
	return dbtest.Count(t, k.DB, query, args...)
}
