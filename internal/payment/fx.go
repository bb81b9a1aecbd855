package payment

import (
	"github.com/smallbiznis/nestbill/internal/payment/adapters"
	"github.com/smallbiznis/nestbill/internal/payment/repository"
	"github.com/smallbiznis/nestbill/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(adapters.Provide),
	fx.Provide(webhook.NewService),
)
