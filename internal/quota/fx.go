package quota

import (
	"github.com/craftpage/metering/internal/quota/repository"
	"github.com/craftpage/metering/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
