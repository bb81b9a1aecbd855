package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/smallbiznis/nestbill/internal/invoice/domain"
	"github.com/smallbiznis/nestbill/internal/invoice/format"
	"github.com/smallbiznis/nestbill/internal/invoice/render"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	subscriptiondomain "github.com/smallbiznis/nestbill/internal/subscription/domain"
	"github.com/smallbiznis/nestbill/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Renderer render.Renderer

	Repo             invoicedomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	renderer render.Renderer

	repo             invoicedomain.Repository
	subscriptionRepo subscriptiondomain.Repository
}

func NewService(p ServiceParam) invoicedomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("invoice.service"),
		renderer: p.Renderer,

		repo:             p.Repo,
		subscriptionRepo: p.SubscriptionRepo,
	}
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (invoicedomain.Invoice, error) {
	if id == 0 {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvalidInvoiceID
	}
	invoice, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *invoice, nil
}

// ListBySubscription pages through a subscription's billing history, newest
// first.
func (s *Service) ListBySubscription(ctx context.Context, req invoicedomain.ListRequest) (invoicedomain.ListResponse, error) {
	if req.SubscriptionID == 0 {
		return invoicedomain.ListResponse{}, subscriptiondomain.ErrInvalidSubscription
	}
	subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, req.SubscriptionID)
	if err != nil {
		return invoicedomain.ListResponse{}, err
	}
	if subscription == nil {
		return invoicedomain.ListResponse{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	var beforeID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return invoicedomain.ListResponse{}, invoicedomain.ErrInvalidPageToken
		}
		beforeID, err = snowflake.ParseString(cursor.ID)
		if err != nil || beforeID == 0 {
			return invoicedomain.ListResponse{}, invoicedomain.ErrInvalidPageToken
		}
	}

	limit := pagination.ClampPageSize(req.PageSize)
	items, err := s.repo.ListBySubscription(ctx, s.db, req.SubscriptionID, beforeID, limit+1)
	if err != nil {
		return invoicedomain.ListResponse{}, err
	}

	page, info := pagination.BuildCursorPageInfo(items, limit, func(invoice invoicedomain.Invoice) string {
		return invoice.ID.String()
	})
	if page == nil {
		page = []invoicedomain.Invoice{}
	}
	return invoicedomain.ListResponse{PageInfo: info, Invoices: page}, nil
}

func (s *Service) RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error) {
	invoice, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	subscription, err := s.subscriptionRepo.FindByID(ctx, s.db, invoice.SubscriptionID)
	if err != nil {
		return nil, err
	}
	if subscription == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}

	seq, err := s.repo.CountBySubscriptionUpTo(ctx, s.db, invoice.SubscriptionID, invoice.ID)
	if err != nil {
		return nil, err
	}
	number, err := format.InvoiceNumber(format.DefaultNumberTemplate, invoice.CreatedAt, seq)
	if err != nil {
		return nil, err
	}

	doc := render.Document{
		Number:        number,
		Status:        string(invoice.Status),
		IssueDate:     format.Date(&invoice.CreatedAt),
		ServicePeriod: fmt.Sprintf("%s to %s", format.Date(&invoice.PeriodStart), format.Date(&invoice.PeriodEnd)),
		FamilyID:      subscription.FamilyID,
		Jurisdiction:  invoice.Jurisdiction,
		Description:   fmt.Sprintf("%s %s subscription", subscription.PlanTier, subscription.Cadence),
		Subtotal:      format.Money(invoice.Subtotal, invoice.Currency),
		Total:         format.Money(invoice.Total, invoice.Currency),
	}
	for _, line := range invoice.TaxLines {
		doc.Taxes = append(doc.Taxes, render.TaxLine{
			Label:  line.Label,
			Rate:   format.Rate(line.RatePPM),
			Amount: format.Money(line.Amount, invoice.Currency),
		})
	}

	out, err := s.renderer.RenderPDF(doc)
	if err != nil {
		logger.WithContext(ctx, s.log).Error("invoice render failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
		return nil, err
	}
	return out, nil
}
