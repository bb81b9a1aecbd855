package trial

import (
	"github.com/smallbiznis/nestbill/internal/trial/repository"
	"github.com/smallbiznis/nestbill/internal/trial/service"
	"go.uber.org/fx"
)

var Module = fx.Module("trial.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
