package sink

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/nestbill/internal/billingevent/domain"
	"github.com/smallbiznis/nestbill/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
	Redis     *redis.Client `optional:"true"`
}

// Provide builds the sink selected by BILLING_EVENT_SINK.
func Provide(p Params) (domain.Sink, error) {
	sink, err := build(p.Config.Events, p.Log, p.Redis)
	if err != nil {
		return nil, err
	}
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sink.Close()
		},
	})
	p.Log.Info("billing event sink ready", zap.String("sink", sink.Name()))
	return sink, nil
}

func build(cfg config.EventSinkConfig, log *zap.Logger, client *redis.Client) (domain.Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "log":
		return NewLogSink(log), nil
	case "redis":
		return NewRedisStreamSink(client, cfg.RedisStream)
	case "kafka":
		return NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
	case "nats":
		return NewNATSSink(cfg.NATSURL, cfg.NATSSubject)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedSink, cfg.Type)
	}
}
