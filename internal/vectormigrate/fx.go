package vectormigrate

import (
	"github.com/craftpage/metering/internal/vectormigrate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("vectormigrate",
	fx.Provide(service.New),
)
