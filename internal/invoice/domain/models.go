// Package domain contains persistence models for invoicing.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	taxdomain "github.com/smallbiznis/nestbill/internal/tax/domain"
	"github.com/smallbiznis/nestbill/pkg/db/pagination"
	"gorm.io/gorm"
)

// InvoiceStatus represents invoice lifecycle states.
type InvoiceStatus string

const (
	InvoiceStatusDraft InvoiceStatus = "draft"
	InvoiceStatusFinal InvoiceStatus = "final"
	InvoiceStatusVoid  InvoiceStatus = "void"
)

// Invoice is the billing document for one subscription period. Monetary
// fields never change once the invoice is final.
type Invoice struct {
	ID             snowflake.ID  `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID  `json:"subscription_id" gorm:"not null;index"`
	PeriodStart    time.Time     `json:"period_start" gorm:"not null"`
	PeriodEnd      time.Time     `json:"period_end" gorm:"not null"`
	Currency       string        `json:"currency" gorm:"type:text;not null"`
	Jurisdiction   string        `json:"jurisdiction" gorm:"type:text;not null"`
	Subtotal       int64         `json:"subtotal" gorm:"not null"`
	TaxTotal       int64         `json:"tax_total" gorm:"not null"`
	Total          int64         `json:"total" gorm:"not null"`
	Status         InvoiceStatus `json:"status" gorm:"type:text;not null"`
	FinalizedAt    *time.Time    `json:"finalized_at,omitempty"`
	VoidedAt       *time.Time    `json:"voided_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at" gorm:"not null"`

	TaxLines []TaxLine `json:"tax_lines" gorm:"-"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

// TaxLine captures one tax component applied to an invoice.
type TaxLine struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	InvoiceID snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	Position  int          `json:"position" gorm:"not null"`
	Label     string       `json:"label" gorm:"type:text;not null"`
	RatePPM   int64        `json:"rate_ppm" gorm:"column:rate_ppm;not null"`
	Amount    int64        `json:"amount" gorm:"not null"`
}

// TableName sets the database table name.
func (TaxLine) TableName() string { return "invoice_tax_lines" }

type BuildParams struct {
	SubscriptionID snowflake.ID
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Currency       string
	Status         InvoiceStatus
	Breakdown      taxdomain.Breakdown
	Now            time.Time
}

// Build assembles an invoice and its tax lines from a tax breakdown. The
// caller persists it.
func Build(node *snowflake.Node, p BuildParams) *Invoice {
	now := p.Now.UTC()
	invoice := &Invoice{
		ID:             node.Generate(),
		SubscriptionID: p.SubscriptionID,
		PeriodStart:    p.PeriodStart.UTC(),
		PeriodEnd:      p.PeriodEnd.UTC(),
		Currency:       p.Currency,
		Jurisdiction:   p.Breakdown.Jurisdiction,
		Subtotal:       p.Breakdown.Subtotal,
		TaxTotal:       p.Breakdown.TaxTotal,
		Total:          p.Breakdown.Total,
		Status:         p.Status,
		CreatedAt:      now,
	}
	if p.Status == InvoiceStatusFinal {
		invoice.FinalizedAt = &now
	}
	for i, component := range p.Breakdown.Components {
		invoice.TaxLines = append(invoice.TaxLines, TaxLine{
			ID:        node.Generate(),
			InvoiceID: invoice.ID,
			Position:  i + 1,
			Label:     component.Label,
			RatePPM:   component.RatePPM,
			Amount:    component.Amount,
		})
	}
	return invoice
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	// ListBySubscription returns invoices newest first, starting below
	// beforeID when it is non-zero.
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID, beforeID snowflake.ID, limit int) ([]Invoice, error)
	CountBySubscriptionUpTo(ctx context.Context, db *gorm.DB, subscriptionID, id snowflake.ID) (int64, error)
	// Finalize only touches draft rows. Void also takes final rows whose
	// charge never settled. Both return rows affected.
	Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error)
	Void(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error)
}

type ListRequest struct {
	SubscriptionID snowflake.ID
	PageToken      string
	PageSize       int32
}

type ListResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (Invoice, error)
	ListBySubscription(ctx context.Context, req ListRequest) (ListResponse, error)
	RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error)
}

var (
	ErrInvalidInvoiceID = errors.New("invalid_invoice_id")
	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrInvalidPageToken = errors.New("invalid_page_token")
)
