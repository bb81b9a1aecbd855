package billingevent

import (
	"github.com/smallbiznis/nestbill/internal/billingevent/repository"
	"github.com/smallbiznis/nestbill/internal/billingevent/service"
	"github.com/smallbiznis/nestbill/internal/billingevent/sink"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent.service",
	fx.Provide(repository.Provide),
	fx.Provide(sink.Provide),
	fx.Provide(service.NewRelay),
)
