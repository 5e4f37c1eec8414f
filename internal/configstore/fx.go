package configstore

import (
	"github.com/craftpage/metering/internal/configstore/repository"
	"github.com/craftpage/metering/internal/configstore/service"
	"go.uber.org/fx"
)

var Module = fx.Module("configstore.service",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
