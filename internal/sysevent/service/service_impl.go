package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/observability/logger"
	syseventdomain "github.com/craftpage/metering/internal/sysevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
}

func New(p Params) syseventdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("sysevent.service"),
		genID: p.GenID,
	}
}

func (s *Service) Record(ctx context.Context, in syseventdomain.Input) error {
	kind := strings.TrimSpace(in.Kind)
	if kind == "" {
		return syseventdomain.ErrInvalidKind
	}
	severity := in.Severity
	switch severity {
	case syseventdomain.SeverityInfo, syseventdomain.SeverityWarning, syseventdomain.SeverityCritical:
	case "":
		severity = syseventdomain.SeverityInfo
	default:
		return syseventdomain.ErrInvalidSeverity
	}

	fields := []zap.Field{
		zap.String("kind", kind),
		zap.String("severity", string(severity)),
	}
	if in.TenantID != nil {
		fields = append(fields, zap.String("tenant_id", in.TenantID.String()))
	}
	if len(in.Context) > 0 {
		fields = append(fields, zap.Any("context", in.Context))
	}

	log := logger.WithContext(ctx, s.log)
	switch severity {
	case syseventdomain.SeverityCritical:
		log.Error(in.Message, fields...)
	case syseventdomain.SeverityWarning:
		log.Warn(in.Message, fields...)
	default:
		log.Info(in.Message, fields...)
	}

	event := syseventdomain.SystemEvent{
		ID:        s.genID.Generate(),
		TenantID:  in.TenantID,
		Kind:      kind,
		Severity:  severity,
		Message:   in.Message,
		CreatedAt: time.Now().UTC(),
	}
	if len(in.Context) > 0 {
		event.Context = datatypes.JSONMap(in.Context)
	}

	if err := s.db.WithContext(ctx).Create(&event).Error; err != nil {
		// A critical event must never vanish silently.
		if severity == syseventdomain.SeverityCritical {
			return err
		}
		log.Warn("system event not persisted", zap.String("kind", kind), zap.Error(err))
	}
	return nil
}
