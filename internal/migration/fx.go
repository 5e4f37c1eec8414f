package migration

import (
	"strings"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, log *zap.Logger) error {
		if !strings.EqualFold(conn.Dialector.Name(), "postgres") {
			log.Warn("schema migrations skipped on non-postgres engine",
				zap.String("dialect", conn.Dialector.Name()),
			)
			return nil
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
