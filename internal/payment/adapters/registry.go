package adapters

import (
	"strings"

	"github.com/smallbiznis/nestbill/internal/config"
	"github.com/smallbiznis/nestbill/internal/payment/adapters/sandbox"
	"github.com/smallbiznis/nestbill/internal/payment/adapters/stripe"
	"github.com/smallbiznis/nestbill/internal/payment/domain"
	"go.uber.org/zap"
)

type Registry struct {
	gateways        map[string]domain.Gateway
	defaultProvider string
}

func NewRegistry(defaultProvider string, gateways ...domain.Gateway) *Registry {
	registry := &Registry{
		gateways:        map[string]domain.Gateway{},
		defaultProvider: normalize(defaultProvider),
	}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := normalize(gateway.Provider())
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gateway
	}
	return registry
}

// Provide wires the sandbox gateway unconditionally and Stripe when a secret
// key is configured.
func Provide(cfg config.Config, log *zap.Logger) (domain.GatewayRegistry, error) {
	gateways := []domain.Gateway{sandbox.New(cfg.Payment.SandboxWebhookSecret)}
	if cfg.Payment.StripeSecretKey != "" {
		gateway, err := stripe.New(stripe.Config{
			SecretKey:     cfg.Payment.StripeSecretKey,
			WebhookSecret: cfg.Payment.StripeWebhookSecret,
		})
		if err != nil {
			return nil, err
		}
		gateways = append(gateways, gateway)
	}

	registry := NewRegistry(cfg.Payment.Provider, gateways...)
	if _, err := registry.Default(); err != nil {
		return nil, err
	}
	log.Named("payment.registry").Info("payment gateways configured",
		zap.String("default", registry.defaultProvider),
		zap.Int("count", len(registry.gateways)),
	)
	return registry, nil
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	_, ok := r.gateways[normalize(provider)]
	return ok
}

func (r *Registry) Get(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	gateway, ok := r.gateways[normalize(provider)]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}

func (r *Registry) Default() (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	return r.Get(r.defaultProvider)
}

func normalize(provider string) string {
	return strings.ToLower(strings.TrimSpace(provider))
}
