package service

import (
	"context"
	"encoding/json"

	"github.com/bwmarrin/snowflake"
	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	admissiondomain "github.com/craftpage/metering/internal/admission/domain"
	"github.com/craftpage/metering/internal/clock"
	"github.com/craftpage/metering/internal/observability/logger"
	"github.com/craftpage/metering/internal/observability/metrics"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	"github.com/craftpage/metering/pkg/rls"
	"github.com/craftpage/metering/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Quota      quotadomain.Service
	Tenants    tenantdomain.Service
	Partitions partitiondomain.Service
	Policies   apdomain.Service
	Metrics    *metrics.Metrics
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	quota      quotadomain.Service
	tenants    tenantdomain.Service
	partitions partitiondomain.Service
	policies   apdomain.Service
	metrics    *metrics.Metrics
}

func New(p Params) admissiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("admission.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		quota:      p.Quota,
		tenants:    p.Tenants,
		partitions: p.Partitions,
		policies:   p.Policies,
		metrics:    p.Metrics,
	}
}

func (s *Service) AdmitResource(ctx context.Context, tenantID snowflake.ID, kind string) (*tenantdomain.Resource, quotadomain.Decision, error) {
	if err := s.policies.CheckInsert(ctx, tenantID); err != nil {
		return nil, quotadomain.Decision{}, err
	}

	metric := admissiondomain.MetricForKind(kind)
	decision, err := s.quota.CheckAndConsume(ctx, tenantID, metric, 1)
	if err != nil {
		return nil, quotadomain.Decision{}, err
	}
	if !decision.Admitted {
		return nil, decision, admissiondomain.ErrQuotaExceeded
	}

	resource, err := s.tenants.CreateResource(ctx, tenantID, kind)
	if err != nil {
		// The unit was already charged; hand it back rather than leak it.
		if relErr := s.quota.Release(ctx, tenantID, metric, 1); relErr != nil {
			logger.WithContext(ctx, s.log).Error("quota release after failed create",
				zap.Int64("tenant_id", int64(tenantID)),
				zap.String("metric_type", metric),
				zap.Error(relErr),
			)
		}
		return nil, decision, err
	}
	return resource, decision, nil
}

func (s *Service) RemoveResource(ctx context.Context, tenantID, id snowflake.ID, kind string) error {
	if err := s.tenants.DeleteResource(ctx, tenantID, id); err != nil {
		return err
	}
	return s.quota.Release(ctx, tenantID, admissiondomain.MetricForKind(kind), 1)
}

func (s *Service) RecordEvent(ctx context.Context, tenantID snowflake.ID, table string, in admissiondomain.EventInput) (*admissiondomain.StoredEvent, error) {
	if !partitiondomain.ValidTableName(table) {
		return nil, partitiondomain.ErrInvalidTableName
	}
	if err := s.policies.CheckInsert(ctx, tenantID); err != nil {
		return nil, err
	}

	occurred := in.OccurredAt
	if occurred.IsZero() {
		occurred = s.clock.Now()
	}

	if in.Kind == "search" {
		decision, err := s.quota.CheckAndConsume(ctx, tenantID, quotadomain.MetricSearches, 1)
		if err != nil {
			return nil, err
		}
		if !decision.Admitted {
			return nil, admissiondomain.ErrQuotaExceeded
		}
	}

	descriptor, err := s.partitions.Ensure(ctx, table, occurred)
	if err != nil {
		return nil, err
	}

	payload := []byte("{}")
	if in.Payload != nil {
		encoded, err := json.Marshal(in.Payload)
		if err != nil {
			return nil, err
		}
		payload = encoded
	}

	partition := descriptor.PartitionName
	id := s.genID.Generate()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row policies on the partition key on the session tenant, so
		// the insert has to carry it or postgres rejects the row.
		if err := rls.WithTenant(tx, tenantID); err != nil {
			return err
		}
		if tenantctx.HasCapability(ctx, tenantctx.CapAdminOverride) {
			if err := rls.WithAdminOverride(tx); err != nil {
				return err
			}
		}
		return tx.Exec(
			`INSERT INTO `+partition+` (id, tenant_id, kind, occurred_at, payload) VALUES (?, ?, ?, ?, ?)`,
			id, tenantID, in.Kind, occurred, string(payload),
		).Error
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordEvent(ctx, table)
	return &admissiondomain.StoredEvent{ID: id, Partition: partition}, nil
}
