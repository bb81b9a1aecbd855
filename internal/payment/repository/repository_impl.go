package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/nestbill/internal/payment/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const attemptColumns = `id, subscription_id, invoice_id, retry_cycle_id, amount, currency,
	gateway_provider, gateway_ref, outcome, failure_code, attempt_number, attempted_at`

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.PaymentAttempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO payment_attempts (`+attemptColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.SubscriptionID,
		attempt.InvoiceID,
		attempt.RetryCycleID,
		attempt.Amount,
		attempt.Currency,
		attempt.GatewayProvider,
		attempt.GatewayRef,
		attempt.Outcome,
		attempt.FailureCode,
		attempt.AttemptNumber,
		attempt.AttemptedAt,
	).Error
}

func (r *repo) FindLastSucceeded(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE subscription_id = ? AND outcome = ?
		 ORDER BY attempted_at DESC, id DESC
		 LIMIT 1`,
		subscriptionID,
		domain.OutcomeSucceeded,
	).Scan(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == 0 {
		return nil, nil
	}
	return &attempt, nil
}

func (r *repo) FindAttemptByGatewayRef(ctx context.Context, db *gorm.DB, provider, gatewayRef string) (*domain.PaymentAttempt, error) {
	var attempt domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE gateway_provider = ? AND gateway_ref = ?
		 LIMIT 1`,
		provider,
		gatewayRef,
	).Scan(&attempt).Error
	if err != nil {
		return nil, err
	}
	if attempt.ID == 0 {
		return nil, nil
	}
	return &attempt, nil
}

func (r *repo) ListAttempts(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.PaymentAttempt, error) {
	var attempts []domain.PaymentAttempt
	err := db.WithContext(ctx).Raw(
		`SELECT `+attemptColumns+`
		 FROM payment_attempts
		 WHERE subscription_id = ?
		 ORDER BY attempted_at ASC, id ASC`,
		subscriptionID,
	).Scan(&attempts).Error
	if err != nil {
		return nil, err
	}
	return attempts, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, provider, provider_event_id, event_kind, gateway_ref, subscription_id,
			payload, received_at, processed_at
		 FROM payment_events
		 WHERE provider = ? AND provider_event_id = ?
		 LIMIT 1`,
		provider,
		providerEventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO payment_events (
			id, provider, provider_event_id, event_kind, gateway_ref, subscription_id,
			payload, received_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, provider_event_id) DO NOTHING`,
		event.ID,
		event.Provider,
		event.ProviderEventID,
		event.EventKind,
		event.GatewayRef,
		event.SubscriptionID,
		event.Payload,
		event.ReceivedAt,
		event.ProcessedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, subscriptionID *snowflake.ID, processedAt time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE payment_events
		 SET processed_at = ?, subscription_id = COALESCE(?, subscription_id)
		 WHERE id = ?`,
		processedAt,
		subscriptionID,
		id,
	).Error
}
