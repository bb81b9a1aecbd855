package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes billing lifecycle instruments.
type Metrics struct {
	transitions      metric.Int64Counter
	transitionErrors metric.Int64Counter
	paymentEvents    metric.Int64Counter
	duplicateEvents  metric.Int64Counter
	conversions      metric.Int64Counter
	featureUsage     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "nestbill"
	}
	meter := provider.Meter(name)

	transitions, err := meter.Int64Counter("nestbill_subscription_transitions_total")
	if err != nil {
		return nil, err
	}
	transitionErrors, err := meter.Int64Counter("nestbill_subscription_transition_errors_total")
	if err != nil {
		return nil, err
	}
	paymentEvents, err := meter.Int64Counter("nestbill_payment_events_total")
	if err != nil {
		return nil, err
	}
	duplicateEvents, err := meter.Int64Counter("nestbill_payment_events_duplicate_total")
	if err != nil {
		return nil, err
	}
	conversions, err := meter.Int64Counter("nestbill_trial_conversions_total")
	if err != nil {
		return nil, err
	}
	featureUsage, err := meter.Int64Counter("nestbill_trial_feature_usage_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		transitions:      transitions,
		transitionErrors: transitionErrors,
		paymentEvents:    paymentEvents,
		duplicateEvents:  duplicateEvents,
		conversions:      conversions,
		featureUsage:     featureUsage,
	}, nil
}

// NewNoop returns instruments backed by the noop provider.
func NewNoop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	)
	m.transitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordTransitionError(ctx context.Context, to, errorType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("to", to),
		attribute.String("error_type", errorType),
	)
	m.transitionErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordPaymentEvent(ctx context.Context, provider, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("event_type", strings.TrimSpace(eventType)),
	)
	m.paymentEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordDuplicatePaymentEvent(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("provider", strings.TrimSpace(provider)))
	m.duplicateEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordConversion(ctx context.Context, tier, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("plan_tier", tier),
		attribute.String("outcome", outcome),
	)
	m.conversions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordFeatureUsage(ctx context.Context, tier string, recorded bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("plan_tier", tier),
		attribute.Bool("recorded", recorded),
	)
	m.featureUsage.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"from":       {},
	"to":         {},
	"reason":     {},
	"provider":   {},
	"event_type": {},
	"error_type": {},
	"plan_tier":  {},
	"outcome":    {},
	"recorded":   {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
