package service_test

import (
	"bytes"
	"context"
	"testing"

	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/invoice/render"
	"github.com/smallbiznis/nestbill/internal/invoice/service"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/internal/testkit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureRenderer struct {
	last render.Document
}

func (c *captureRenderer) RenderPDF(doc render.Document) ([]byte, error) {
	c.last = doc
	return []byte("%PDF-1.3 stub"), nil
}

func newService(k *testkit.Kit, renderer render.Renderer) invoicedomain.Service {
	return service.NewService(service.ServiceParam{
		DB:               k.DB,
		Log:              k.Log,
		Renderer:         renderer,
		Repo:             k.InvoiceRepo,
		SubscriptionRepo: k.SubscriptionRepo,
	})
}

func seedInvoices(t *testing.T, k *testkit.Kit, sub subscriptiondomain.Subscription, n int) []invoicedomain.Invoice {
	t.Helper()
	out := make([]invoicedomain.Invoice, 0, n)
	start := testkit.Start
	for i := 0; i < n; i++ {
		breakdown, err := k.Tax.Calculate("CA-QC", 999)
		require.NoError(t, err)
		invoice := invoicedomain.Build(k.Node, invoicedomain.BuildParams{
			SubscriptionID: sub.ID,
			PeriodStart:    start,
			PeriodEnd:      start.AddDate(0, 1, 0),
			Currency:       "CAD",
			Status:         invoicedomain.InvoiceStatusFinal,
			Breakdown:      breakdown,
			Now:            start,
		})
		require.NoError(t, k.InvoiceRepo.Insert(context.Background(), k.DB, invoice))
		out = append(out, *invoice)
		start = start.AddDate(0, 1, 0)
	}
	return out
}

func TestListBySubscriptionPages(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k, render.NewRenderer())
	ctx := context.Background()

	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-history"})
	invoices := seedInvoices(t, k, sub, 3)

	first, err := svc.ListBySubscription(ctx, invoicedomain.ListRequest{SubscriptionID: sub.ID, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, first.Invoices, 2)
	assert.True(t, first.HasMore)
	assert.NotEmpty(t, first.NextPageToken)
	assert.Equal(t, invoices[2].ID, first.Invoices[0].ID)
	assert.Equal(t, invoices[1].ID, first.Invoices[1].ID)
	require.Len(t, first.Invoices[0].TaxLines, 2)

	second, err := svc.ListBySubscription(ctx, invoicedomain.ListRequest{
		SubscriptionID: sub.ID,
		PageSize:       2,
		PageToken:      first.NextPageToken,
	})
	require.NoError(t, err)
	require.Len(t, second.Invoices, 1)
	assert.False(t, second.HasMore)
	assert.Equal(t, invoices[0].ID, second.Invoices[0].ID)

	_, err = svc.ListBySubscription(ctx, invoicedomain.ListRequest{SubscriptionID: sub.ID, PageToken: "%%%"})
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidPageToken)

	_, err = svc.ListBySubscription(ctx, invoicedomain.ListRequest{SubscriptionID: k.Node.Generate()})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func TestListBySubscriptionEmpty(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k, render.NewRenderer())

	sub, err := k.Subscriptions.StartTrial(context.Background(), subscriptiondomain.StartTrialRequest{FamilyID: "fam-empty", PlanTier: "basic"})
	require.NoError(t, err)

	resp, err := svc.ListBySubscription(context.Background(), invoicedomain.ListRequest{SubscriptionID: sub.ID})
	require.NoError(t, err)
	assert.NotNil(t, resp.Invoices)
	assert.Empty(t, resp.Invoices)
	assert.False(t, resp.HasMore)
}

func TestGet(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k, render.NewRenderer())
	ctx := context.Background()

	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-get"})
	invoices := seedInvoices(t, k, sub, 1)

	got, err := svc.Get(ctx, invoices[0].ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1149, got.Total)

	_, err = svc.Get(ctx, 0)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoiceID)
	_, err = svc.Get(ctx, k.Node.Generate())
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotFound)
}

func TestRenderPDF(t *testing.T) {
	k := testkit.New(t)
	capture := &captureRenderer{}
	svc := newService(k, capture)
	ctx := context.Background()

	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-pdf", Jurisdiction: "CA-QC"})
	invoices := seedInvoices(t, k, sub, 2)

	out, err := svc.RenderPDF(ctx, invoices[1].ID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))

	doc := capture.last
	assert.Equal(t, "NB-202604-0002", doc.Number)
	assert.Equal(t, "fam-pdf", doc.FamilyID)
	assert.Equal(t, "CAD 9.99", doc.Subtotal)
	assert.Equal(t, "CAD 11.49", doc.Total)
	assert.Equal(t, "2026-04-02 to 2026-05-02", doc.ServicePeriod)
	require.Len(t, doc.Taxes, 2)
	assert.Equal(t, "9.975%", doc.Taxes[1].Rate)
}

func TestRenderPDFWithMaroto(t *testing.T) {
	k := testkit.New(t)
	svc := newService(k, render.NewRenderer())

	sub := k.SeedPaid(t, testkit.Paid{FamilyID: "fam-maroto"})
	invoices := seedInvoices(t, k, sub, 1)

	out, err := svc.RenderPDF(context.Background(), invoices[0].ID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}
