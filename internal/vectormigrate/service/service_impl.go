package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	"github.com/craftpage/metering/internal/clock"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	"github.com/craftpage/metering/internal/locks"
	"github.com/craftpage/metering/internal/observability/logger"
	"github.com/craftpage/metering/internal/observability/metrics"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	vmdomain "github.com/craftpage/metering/internal/vectormigrate/domain"
	"github.com/craftpage/metering/pkg/rls"
	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	minDimension = 64
	maxDimension = 4096

	lockKey = "meterd:vectormigrate"
	lockTTL = 30 * time.Minute
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Partitions partitiondomain.Service
	Policies   apdomain.Service
	Config     csdomain.Service
	Events     sedomain.Service
	Metrics    *metrics.Metrics
	Locker     *locks.Locker `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	partitions partitiondomain.Service
	policies   apdomain.Service
	config     csdomain.Service
	events     sedomain.Service
	metrics    *metrics.Metrics
	locker     *locks.Locker

	// migrateParent and migrateObject are swappable for failure injection.
	migrateParent func(ctx context.Context, dim int) error
	migrateObject func(ctx context.Context, tx *gorm.DB, partition string, dim int) error

	mu      sync.Mutex
	running bool
	last    *vmdomain.Report
}

func New(p Params) vmdomain.Service {
	s := &Service{
		db:         p.DB,
		log:        p.Log.Named("vectormigrate.service"),
		clock:      p.Clock,
		partitions: p.Partitions,
		policies:   p.Policies,
		config:     p.Config,
		events:     p.Events,
		metrics:    p.Metrics,
		locker:     p.Locker,
	}
	s.migrateParent = s.alterParent
	s.migrateObject = s.rebuildIndex
	return s
}

func (s *Service) Run(ctx context.Context, newDim int) (*vmdomain.Report, error) {
	if newDim < minDimension || newDim > maxDimension {
		return nil, vmdomain.ErrInvalidDimension
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, vmdomain.ErrMigrationInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	// Cross-process fence. Without redis the in-process flag is the
	// only guard, which is fine for single-instance deployments.
	var token string
	if s.locker != nil {
		var held bool
		var err error
		token, held, err = s.locker.TryLock(ctx, lockKey, lockTTL)
		if err != nil {
			return nil, err
		}
		if !held {
			return nil, vmdomain.ErrMigrationInProgress
		}
		defer func() {
			if err := s.locker.Release(ctx, lockKey, token); err != nil {
				s.log.Warn("migration lock release failed", zap.Error(err))
			}
		}()
	}

	fromDim, err := s.config.GetInt(ctx, csdomain.KeyVectorDimension)
	if err != nil {
		return nil, err
	}

	report := &vmdomain.Report{
		RunID:     uuid.NewString(),
		FromDim:   fromDim,
		ToDim:     newDim,
		State:     vmdomain.StateMigrating,
		Failed:    map[string]string{},
		StartedAt: s.clock.Now(),
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("run_id", report.RunID),
		zap.Int("from_dim", fromDim),
		zap.Int("to_dim", newDim),
	)
	log.Info("vector dimension migration started")

	descriptors, err := s.partitions.List(ctx, vmdomain.EmbeddingTable)
	if err != nil {
		return nil, err
	}

	if err := s.migrateParent(ctx, newDim); err != nil {
		// Without the parent retyped nothing downstream can succeed,
		// and future partitions would keep inheriting the old type.
		report.Failed[vmdomain.EmbeddingTable] = err.Error()
		s.metrics.RecordMigrationObject(ctx, "failed")
		log.Warn("parent column alteration failed", zap.Error(err))
	} else {
		for _, d := range descriptors {
			if err := s.migrateOne(ctx, d.PartitionName, newDim); err != nil {
				report.Failed[d.PartitionName] = err.Error()
				s.metrics.RecordMigrationObject(ctx, "failed")
				log.Warn("partition index rebuild failed",
					zap.String("partition", d.PartitionName),
					zap.Error(err),
				)
				continue
			}
			report.Migrated = append(report.Migrated, d.PartitionName)
			s.metrics.RecordMigrationObject(ctx, "migrated")
		}
	}

	if len(report.Failed) == 0 {
		// The stored dimension only moves once every partition holds
		// the new one, so readers never see a mixed fleet as done.
		if _, err := s.config.Set(ctx, csdomain.KeyVectorDimension, newDim, "vectormigrate:"+report.RunID); err != nil {
			return nil, err
		}
		report.State = vmdomain.StateDone
	} else {
		report.State = vmdomain.StatePartiallyFailed
	}
	report.FinishedAt = s.clock.Now()

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	severity := sedomain.SeverityInfo
	if report.State == vmdomain.StatePartiallyFailed {
		severity = sedomain.SeverityWarning
	}
	if err := s.events.Record(ctx, sedomain.Input{
		Kind:     sedomain.KindMigrationReport,
		Severity: severity,
		Message:  "vector dimension migration finished",
		Context: map[string]any{
			"run_id":   report.RunID,
			"from_dim": fromDim,
			"to_dim":   newDim,
			"state":    string(report.State),
			"migrated": len(report.Migrated),
			"failed":   len(report.Failed),
		},
	}); err != nil {
		log.Warn("migration report event not recorded", zap.Error(err))
	}

	log.Info("vector dimension migration finished",
		zap.String("state", string(report.State)),
		zap.Int("migrated", len(report.Migrated)),
		zap.Int("failed", len(report.Failed)),
	)
	return report, nil
}

func (s *Service) Status(_ context.Context) (vmdomain.State, *vmdomain.Report) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return vmdomain.StateMigrating, s.last
	}
	return vmdomain.StateIdle, s.last
}

// alterParent retypes the embedding column on the parent table. The new
// type cascades to every partition at once, current and future; children
// of a declarative partition cannot have their columns retyped one by one.
func (s *Service) alterParent(ctx context.Context, dim int) error {
	if !rls.IsPostgres(s.db) {
		// No vector column type to alter; the stored dimension is the
		// only thing that changes.
		return nil
	}
	return s.db.WithContext(ctx).Exec(fmt.Sprintf(
		`ALTER TABLE %s ALTER COLUMN embedding TYPE vector(%d) USING NULL`,
		vmdomain.EmbeddingTable, dim,
	)).Error
}

// migrateOne rebuilds one partition inside its own transaction so a
// failure leaves that partition untouched and the rest proceed.
func (s *Service) migrateOne(ctx context.Context, partition string, dim int) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.migrateObject(ctx, tx, partition, dim); err != nil {
			return err
		}
		return s.policies.ApplyToTable(ctx, partition)
	})
}

func (s *Service) rebuildIndex(ctx context.Context, tx *gorm.DB, partition string, _ int) error {
	if !partitiondomain.ValidTableName(partition) {
		return fmt.Errorf("invalid partition name %q", partition)
	}
	if !rls.IsPostgres(s.db) {
		return nil
	}

	steps := []string{
		fmt.Sprintf(`DROP INDEX IF EXISTS ix_%s_embedding`, partition),
		fmt.Sprintf(`CREATE INDEX ix_%s_embedding ON %s USING hnsw (embedding vector_cosine_ops)`, partition, partition),
	}
	for _, step := range steps {
		if err := tx.Exec(step).Error; err != nil {
			return err
		}
	}
	return nil
}
