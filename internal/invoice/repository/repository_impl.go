package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/invoice/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const invoiceColumns = `id, subscription_id, period_start, period_end, currency, jurisdiction,
	subtotal, tax_total, total, status, finalized_at, voided_at, created_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	if err := db.WithContext(ctx).Exec(
		`INSERT INTO invoices (`+invoiceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.SubscriptionID,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.Currency,
		invoice.Jurisdiction,
		invoice.Subtotal,
		invoice.TaxTotal,
		invoice.Total,
		invoice.Status,
		invoice.FinalizedAt,
		invoice.VoidedAt,
		invoice.CreatedAt,
	).Error; err != nil {
		return err
	}

	for _, line := range invoice.TaxLines {
		if err := db.WithContext(ctx).Exec(
			`INSERT INTO invoice_tax_lines (id, invoice_id, position, label, rate_ppm, amount)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			line.ID,
			invoice.ID,
			line.Position,
			line.Label,
			line.RatePPM,
			line.Amount,
		).Error; err != nil {
			return err
		}
	}
	return nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var invoice domain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`,
		id,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}

	lines, err := r.listTaxLines(ctx, db, []snowflake.ID{invoice.ID})
	if err != nil {
		return nil, err
	}
	invoice.TaxLines = lines[invoice.ID]
	return &invoice, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID, beforeID snowflake.ID, limit int) ([]domain.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE subscription_id = ?`
	args := []any{subscriptionID}
	if beforeID != 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	var invoices []domain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&invoices).Error; err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return invoices, nil
	}

	ids := make([]snowflake.ID, 0, len(invoices))
	for _, invoice := range invoices {
		ids = append(ids, invoice.ID)
	}
	lines, err := r.listTaxLines(ctx, db, ids)
	if err != nil {
		return nil, err
	}
	for i := range invoices {
		invoices[i].TaxLines = lines[invoices[i].ID]
	}
	return invoices, nil
}

func (r *repo) CountBySubscriptionUpTo(ctx context.Context, db *gorm.DB, subscriptionID, id snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM invoices WHERE subscription_id = ? AND id <= ?`,
		subscriptionID,
		id,
	).Scan(&count).Error
	return count, err
}

func (r *repo) Finalize(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, finalized_at = ?
		 WHERE id = ? AND status = ?`,
		domain.InvoiceStatusFinal,
		at,
		id,
		domain.InvoiceStatusDraft,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Void(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices SET status = ?, voided_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		domain.InvoiceStatusVoid,
		at,
		id,
		domain.InvoiceStatusDraft,
		domain.InvoiceStatusFinal,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) listTaxLines(ctx context.Context, db *gorm.DB, invoiceIDs []snowflake.ID) (map[snowflake.ID][]domain.TaxLine, error) {
	var lines []domain.TaxLine
	err := db.WithContext(ctx).Raw(
		`SELECT id, invoice_id, position, label, rate_ppm, amount
		 FROM invoice_tax_lines
		 WHERE invoice_id IN ?
		 ORDER BY invoice_id, position`,
		invoiceIDs,
	).Scan(&lines).Error
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID][]domain.TaxLine, len(invoiceIDs))
	for _, line := range lines {
		out[line.InvoiceID] = append(out[line.InvoiceID], line)
	}
	return out, nil
}
