package accesspolicy

import (
	"github.com/craftpage/metering/internal/accesspolicy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("accesspolicy",
	fx.Provide(service.New),
)
