package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/recovery/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const cycleColumns = `id, subscription_id, invoice_id, started_at, next_retry_at,
	attempts_made, max_attempts, status, closed_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, cycle *domain.RetryCycle) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_retry_cycles (`+cycleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cycle.ID,
		cycle.SubscriptionID,
		cycle.InvoiceID,
		cycle.StartedAt,
		cycle.NextRetryAt,
		cycle.AttemptsMade,
		cycle.MaxAttempts,
		cycle.Status,
		cycle.ClosedAt,
	).Error
}

func (r *repo) FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.RetryCycle, error) {
	var cycle domain.RetryCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+`
		 FROM payment_retry_cycles
		 WHERE subscription_id = ? AND status = ?
		 LIMIT 1`,
		subscriptionID,
		domain.CycleOpen,
	).Scan(&cycle).Error
	if err != nil {
		return nil, err
	}
	if cycle.ID == 0 {
		return nil, nil
	}
	return &cycle, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, at time.Time, limit int) ([]domain.RetryCycle, error) {
	var cycles []domain.RetryCycle
	err := db.WithContext(ctx).Raw(
		`SELECT `+cycleColumns+`
		 FROM payment_retry_cycles
		 WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 LIMIT ?`,
		domain.CycleOpen,
		at,
		limit,
	).Scan(&cycles).Error
	if err != nil {
		return nil, err
	}
	return cycles, nil
}

func (r *repo) Advance(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedAttempts int, nextRetryAt *time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_retry_cycles
		 SET attempts_made = attempts_made + 1, next_retry_at = ?
		 WHERE id = ? AND status = ? AND attempts_made = ?`,
		nextRetryAt,
		id,
		domain.CycleOpen,
		expectedAttempts,
	)
	return res.RowsAffected, res.Error
}

func (r *repo) Close(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.CycleStatus, attemptsMade int, closedAt time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE payment_retry_cycles
		 SET status = ?, attempts_made = ?, next_retry_at = NULL, closed_at = ?
		 WHERE id = ? AND status = ?`,
		status,
		attemptsMade,
		closedAt,
		id,
		domain.CycleOpen,
	)
	return res.RowsAffected, res.Error
}
