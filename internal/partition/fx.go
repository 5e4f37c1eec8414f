package partition

import (
	"github.com/craftpage/metering/internal/partition/repository"
	"github.com/craftpage/metering/internal/partition/service"
	"go.uber.org/fx"
)

var Module = fx.Module("partition",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
