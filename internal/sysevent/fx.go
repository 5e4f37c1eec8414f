package sysevent

import (
	"github.com/craftpage/metering/internal/sysevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sysevent.service",
	fx.Provide(service.New),
)
