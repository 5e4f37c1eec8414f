package notifier

import (
	"github.com/craftpage/metering/internal/notifier/repository"
	"github.com/craftpage/metering/internal/notifier/service"
	"go.uber.org/fx"
)

var Module = fx.Module("notifier",
	fx.Provide(
		repository.Provide,
		service.New,
	),
)
