package entitlement

import (
	"github.com/smallbiznis/nestbill/internal/entitlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("entitlement.service",
	fx.Provide(service.NewEnforcer),
	fx.Provide(service.NewService),
)
