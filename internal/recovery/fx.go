package recovery

import (
	"github.com/smallbiznis/nestbill/internal/recovery/repository"
	"github.com/smallbiznis/nestbill/internal/recovery/service"
	"go.uber.org/fx"
)

var Module = fx.Module("recovery.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
