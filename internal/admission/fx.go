package admission

import (
	"github.com/craftpage/metering/internal/admission/service"
	"go.uber.org/fx"
)

var Module = fx.Module("admission",
	fx.Provide(service.New),
)
