package tenant

import (
	"github.com/craftpage/metering/internal/tenant/repository"
	"github.com/craftpage/metering/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant",
	fx.Provide(
		repository.Provide,
		service.New,
		service.NewPlanResolver,
	),
)
