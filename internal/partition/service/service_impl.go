package service

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	"github.com/craftpage/metering/internal/clock"
	"github.com/craftpage/metering/internal/config"
	"github.com/craftpage/metering/internal/observability/logger"
	"github.com/craftpage/metering/internal/observability/metrics"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	pkgdb "github.com/craftpage/metering/pkg/db"
	"github.com/craftpage/metering/pkg/keylock"
	"github.com/craftpage/metering/pkg/rls"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Platform *config.PlatformConfigHolder
	Repo     partitiondomain.Repository
	Policies apdomain.Service
	Events   sedomain.Service
	Metrics  *metrics.Metrics
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	platform *config.PlatformConfigHolder
	repo     partitiondomain.Repository
	policies apdomain.Service
	events   sedomain.Service
	metrics  *metrics.Metrics
	locks    *keylock.KeyLock
}

func New(p Params) partitiondomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("partition.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		platform: p.Platform,
		repo:     p.Repo,
		policies: p.Policies,
		events:   p.Events,
		metrics:  p.Metrics,
		locks:    keylock.New(),
	}
}

func (s *Service) Ensure(ctx context.Context, table string, ts time.Time) (*partitiondomain.Descriptor, error) {
	if !partitiondomain.ValidTableName(table) {
		return nil, partitiondomain.ErrInvalidTableName
	}

	horizon := s.platform.Get().PartitionHorizon
	start, _ := partitiondomain.MonthRange(ts)
	for i := 0; i <= horizon; i++ {
		if err := s.ensureOne(ctx, table, start.AddDate(0, i, 0)); err != nil {
			return nil, err
		}
	}

	d, err := s.repo.Find(ctx, s.db, table, partitiondomain.NameFor(table, ts))
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return d, nil
}

func (s *Service) PartitionFor(table string, ts time.Time) string {
	return partitiondomain.NameFor(table, ts)
}

func (s *Service) List(ctx context.Context, table string) ([]partitiondomain.Descriptor, error) {
	if !partitiondomain.ValidTableName(table) {
		return nil, partitiondomain.ErrInvalidTableName
	}
	return s.repo.List(ctx, s.db, table)
}

func (s *Service) ensureOne(ctx context.Context, table string, monthStart time.Time) error {
	name := partitiondomain.NameFor(table, monthStart)
	start, end := partitiondomain.MonthRange(monthStart)

	exists, err := s.repo.Exists(ctx, s.db, table, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	key := table + "|" + name
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	exists, err = s.repo.Exists(ctx, s.db, table, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if err := s.createTable(ctx, table, name, start, end); err != nil {
		return err
	}
	indexes, policy := s.attachSecondaryObjects(ctx, name)

	registered, err := s.repo.Insert(ctx, s.db, &partitiondomain.Descriptor{
		ID:              s.genID.Generate(),
		LogicalTable:    table,
		PartitionName:   name,
		PeriodStart:     start,
		PeriodEnd:       end,
		AttachedIndexes: indexes,
		PolicyName:      policy,
		CreatedAt:       s.clock.Now(),
	})
	if err != nil {
		return err
	}
	if !registered {
		// Another process finished first; the table is there either way.
		return nil
	}

	s.metrics.RecordPartitionCreated(ctx, table)
	logger.WithContext(ctx, s.log).Info("partition created",
		zap.String("table", table),
		zap.String("partition", name),
	)
	if err := s.events.Record(ctx, sedomain.Input{
		Kind:     sedomain.KindPartitionCreated,
		Severity: sedomain.SeverityInfo,
		Message:  "monthly partition created",
		Context: map[string]any{
			"table":     table,
			"partition": name,
		},
	}); err != nil {
		logger.WithContext(ctx, s.log).Warn("partition event not recorded", zap.Error(err))
	}
	return nil
}

func (s *Service) createTable(ctx context.Context, table, name string, start, end time.Time) error {
	var ddl string
	if rls.IsPostgres(s.db) {
		ddl = fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
			name, table, start.Format("2006-01-02"), end.Format("2006-01-02"),
		)
	} else {
		// Engines without declarative partitioning get a standalone
		// monthly table; writers route to it by name.
		ddl = fmt.Sprintf(
			`CREATE TABLE IF NOT EXISTS %s (
				id BIGINT PRIMARY KEY,
				tenant_id BIGINT NOT NULL,
				kind TEXT NOT NULL,
				occurred_at TIMESTAMP NOT NULL,
				payload TEXT
			)`, name,
		)
	}

	if err := s.db.WithContext(ctx).Exec(ddl).Error; err != nil {
		if pkgdb.IsObjectExistsErr(err) || pkgdb.IsDuplicateKeyErr(err) {
			return nil
		}
		return err
	}
	return nil
}

// attachSecondaryObjects adds the tenant/time index and the isolation
// policy, returning what actually attached. Their failure degrades the
// partition, it does not lose events, so the partition stays usable and
// the failure is only escalated.
func (s *Service) attachSecondaryObjects(ctx context.Context, name string) (datatypes.JSONSlice[string], string) {
	var attached []string
	indexName := fmt.Sprintf("ix_%s_tenant_time", name)
	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (tenant_id, occurred_at)`,
		indexName, name,
	)
	if err := s.db.WithContext(ctx).Exec(index).Error; err != nil && !pkgdb.IsObjectExistsErr(err) {
		s.recordSecondaryFailure(ctx, name, "index", err)
	} else {
		attached = append(attached, indexName)
	}

	policy := apdomain.PolicyName
	if err := s.policies.ApplyToTable(ctx, name); err != nil {
		s.recordSecondaryFailure(ctx, name, "policy", err)
		policy = ""
	}
	return datatypes.NewJSONSlice(attached), policy
}

func (s *Service) recordSecondaryFailure(ctx context.Context, name, object string, cause error) {
	logger.WithContext(ctx, s.log).Warn("secondary object attachment failed",
		zap.String("partition", name),
		zap.String("object", object),
		zap.Error(cause),
	)
	if err := s.events.Record(ctx, sedomain.Input{
		Kind:     sedomain.KindSecondaryObjectFailure,
		Severity: sedomain.SeverityWarning,
		Message:  "secondary object attachment failed",
		Context: map[string]any{
			"partition": name,
			"object":    object,
			"error":     cause.Error(),
		},
	}); err != nil {
		logger.WithContext(ctx, s.log).Warn("secondary failure event not recorded", zap.Error(err))
	}
}
