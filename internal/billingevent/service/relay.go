package service

import (
	"context"
	"fmt"

	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"github.com/smallbiznis/nestbill/internal/clock"
	"github.com/smallbiznis/nestbill/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type RelayParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  domain.Repository
	Sink  domain.Sink
}

type Relay struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  domain.Repository
	sink  domain.Sink
}

func NewRelay(p RelayParam) domain.Relay {
	return &Relay{
		db:    p.DB,
		log:   p.Log.Named("billingevent.relay"),
		clock: p.Clock,
		repo:  p.Repo,
		sink:  p.Sink,
	}
}

// PublishPending sends unpublished events oldest first. It stops at the first
// sink failure so consumers never observe a gap; delivery is at least once.
func (r *Relay) PublishPending(ctx context.Context, limit int) (int, error) {
	events, err := r.repo.ListUnpublished(ctx, r.db, limit)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return published, err
		}
		if err := r.sink.Publish(ctx, event); err != nil {
			logger.WithContext(ctx, r.log).Warn("billing event publish failed",
				zap.String("sink", r.sink.Name()),
				zap.String("event_id", event.ID.String()),
				zap.Error(err),
			)
			return published, fmt.Errorf("publish %s: %w", event.ID, err)
		}
		if err := r.repo.MarkPublished(ctx, r.db, event.ID, r.clock.Now().UTC()); err != nil {
			return published, err
		}
		published++
	}
	return published, nil
}
