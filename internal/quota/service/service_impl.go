package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/clock"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	"github.com/craftpage/metering/internal/observability/logger"
	"github.com/craftpage/metering/internal/observability/metrics"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	"github.com/craftpage/metering/pkg/keylock"
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
	Repo     quotadomain.Repository
	Plans    tenantdomain.PlanResolver
	Tenants  tenantdomain.Service
	Config   csdomain.Service
	Notifier notifdomain.Service
	Events   sedomain.Service
	Metrics  *metrics.Metrics
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     quotadomain.Repository
	plans    tenantdomain.PlanResolver
	tenants  tenantdomain.Service
	config   csdomain.Service
	notifier notifdomain.Service
	events   sedomain.Service
	metrics  *metrics.Metrics
	locks    *keylock.KeyLock
}

func New(p Params) quotadomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("quota.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		plans:    p.Plans,
		tenants:  p.Tenants,
		config:   p.Config,
		notifier: p.Notifier,
		events:   p.Events,
		metrics:  p.Metrics,
		locks:    keylock.New(),
	}
}

func (s *Service) CheckAndConsume(ctx context.Context, tenantID snowflake.ID, metric string, n int64) (quotadomain.Decision, error) {
	if n <= 0 {
		return quotadomain.Decision{}, quotadomain.ErrInvalidConsume
	}
	if !quotadomain.KnownMetric(metric) {
		s.recordUnknownMetric(ctx, tenantID, metric)
		s.metrics.RecordAdmission(ctx, metric, false)
		return quotadomain.Decision{Admitted: false}, nil
	}

	limit, err := s.EffectiveLimit(ctx, tenantID, metric)
	if err != nil {
		return quotadomain.Decision{}, err
	}
	admin, err := s.tenants.IsAdmin(ctx, tenantID)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	now := s.clock.Now()
	period := quotadomain.PeriodFor(metric, now)

	decision, err := s.consume(ctx, tenantID, metric, period, limit, n, admin, now)
	if err != nil {
		return quotadomain.Decision{}, err
	}

	s.metrics.RecordAdmission(ctx, metric, decision.Admitted)
	if decision.Admitted {
		ids, err := s.notifier.Observe(ctx, notifdomain.Crossing{
			TenantID:   tenantID,
			MetricType: metric,
			Period:     period,
			Limit:      limit,
			NewCount:   decision.NewCount,
		})
		if err != nil {
			logger.WithContext(ctx, s.log).Warn("threshold observation failed",
				zap.Int64("tenant_id", int64(tenantID)),
				zap.String("metric_type", metric),
				zap.Error(err),
			)
		}
		decision.NotificationIDs = ids
	}
	return decision, nil
}

// consume holds the counter key for exactly the read-check-increment;
// threshold observation happens after the lock is gone.
func (s *Service) consume(ctx context.Context, tenantID snowflake.ID, metric, period string, limit, n int64, admin bool, now time.Time) (quotadomain.Decision, error) {
	key := counterKey(tenantID, metric, period)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var decision quotadomain.Decision
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter, err := s.lockedCounter(ctx, tx, tenantID, metric, period, limit)
		if err != nil {
			return err
		}

		old := counter.Count
		if kind := quotadomain.ResourceKindFor(metric); kind != "" {
			// Held objects are counted live from the resource
			// registry; the counter only mirrors them for reporting.
			live, err := s.tenants.CountActiveResources(ctx, tenantID, kind)
			if err != nil {
				return err
			}
			old = live
		}
		next := old + n
		if !admin && limit > 0 && next > limit {
			// The rejected amount is never recorded anywhere; the
			// counter stays exactly where it was.
			decision = quotadomain.Decision{Admitted: false, NewCount: old, Limit: limit}
			return nil
		}

		if counter.DailyBreakdown == nil {
			counter.DailyBreakdown = datatypes.JSONMap{}
		}
		day := now.UTC().Format("2006-01-02")
		counter.DailyBreakdown[day] = asCount(counter.DailyBreakdown[day]) + n
		counter.Count = next
		counter.UpdatedAt = now
		if err := s.repo.SaveCounter(ctx, tx, counter); err != nil {
			return err
		}

		decision = quotadomain.Decision{Admitted: true, NewCount: next, Limit: limit}
		return nil
	})
	return decision, err
}

func (s *Service) Release(ctx context.Context, tenantID snowflake.ID, metric string, n int64) error {
	if n <= 0 {
		return quotadomain.ErrInvalidConsume
	}
	if !quotadomain.KnownMetric(metric) || quotadomain.IsPeriodic(metric) {
		return quotadomain.ErrUnknownMetric
	}

	limit, err := s.EffectiveLimit(ctx, tenantID, metric)
	if err != nil {
		return err
	}

	period := quotadomain.PeriodLifetime
	key := counterKey(tenantID, metric, period)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter, err := s.lockedCounter(ctx, tx, tenantID, metric, period, limit)
		if err != nil {
			return err
		}

		next := counter.Count - n
		if next < 0 {
			// Releasing more than was held means the ledger drifted
			// from reality somewhere.
			s.recordCorruption(ctx, tenantID, metric, counter.Count, n)
			next = 0
		}
		counter.Count = next
		counter.UpdatedAt = s.clock.Now()
		return s.repo.SaveCounter(ctx, tx, counter)
	})
}

func (s *Service) EffectiveLimit(ctx context.Context, tenantID snowflake.ID, metric string) (int64, error) {
	if !quotadomain.KnownMetric(metric) {
		return 0, quotadomain.ErrUnknownMetric
	}

	def, err := s.repo.FindDefinition(ctx, s.db, quotadomain.ScopeTenant, tenantID.String(), metric)
	if err != nil {
		return 0, err
	}
	if def != nil {
		return def.LimitValue, nil
	}

	plan, err := s.plans.GetEffectivePlan(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	def, err = s.repo.FindDefinition(ctx, s.db, quotadomain.ScopePlan, plan.PlanType, metric)
	if err != nil {
		return 0, err
	}
	if def != nil {
		return def.LimitValue, nil
	}

	def, err = s.repo.FindDefinition(ctx, s.db, quotadomain.ScopeGlobal, "", metric)
	if err != nil {
		return 0, err
	}
	if def != nil {
		return def.LimitValue, nil
	}

	limit, err := s.config.GetInt(ctx, csdomain.QuotaDefaultKey(metric))
	if err != nil {
		return 0, err
	}
	return int64(limit), nil
}

func (s *Service) AdjustCounter(ctx context.Context, tenantID snowflake.ID, metric string, value int64, reason string) error {
	if !quotadomain.KnownMetric(metric) {
		return quotadomain.ErrUnknownMetric
	}
	if value < 0 {
		return quotadomain.ErrInvalidConsume
	}

	limit, err := s.EffectiveLimit(ctx, tenantID, metric)
	if err != nil {
		return err
	}

	period := quotadomain.PeriodFor(metric, s.clock.Now())
	key := counterKey(tenantID, metric, period)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	var previous int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		counter, err := s.lockedCounter(ctx, tx, tenantID, metric, period, limit)
		if err != nil {
			return err
		}
		previous = counter.Count
		counter.Count = value
		counter.UpdatedAt = s.clock.Now()
		return s.repo.SaveCounter(ctx, tx, counter)
	})
	if err != nil {
		return err
	}

	if err := s.events.Record(ctx, sedomain.Input{
		TenantID: &tenantID,
		Kind:     sedomain.KindQuotaAdjusted,
		Severity: sedomain.SeverityWarning,
		Message:  "usage counter adjusted",
		Context: map[string]any{
			"metric_type": metric,
			"period":      period,
			"previous":    previous,
			"value":       value,
			"reason":      reason,
		},
	}); err != nil {
		logger.WithContext(ctx, s.log).Warn("adjustment event not recorded", zap.Error(err))
	}
	return nil
}

func (s *Service) Usage(ctx context.Context, tenantID snowflake.ID) ([]quotadomain.MetricUsage, error) {
	now := s.clock.Now()
	usages := make([]quotadomain.MetricUsage, 0, 4)
	for _, metric := range []string{
		quotadomain.MetricBots,
		quotadomain.MetricCollections,
		quotadomain.MetricDocuments,
		quotadomain.MetricSearches,
	} {
		limit, err := s.EffectiveLimit(ctx, tenantID, metric)
		if err != nil {
			return nil, err
		}

		period := quotadomain.PeriodFor(metric, now)
		counter, err := s.repo.FindCounter(ctx, s.db, tenantID, metric, period, false)
		if err != nil {
			return nil, err
		}

		usage := quotadomain.MetricUsage{
			MetricType: metric,
			Period:     period,
			Limit:      limit,
		}
		if counter != nil {
			usage.Count = counter.Count
			if len(counter.DailyBreakdown) > 0 {
				usage.Daily = make(map[string]int64, len(counter.DailyBreakdown))
				for day, v := range counter.DailyBreakdown {
					usage.Daily[day] = asCount(v)
				}
			}
		}
		usages = append(usages, usage)
	}
	return usages, nil
}

func (s *Service) ReconcilePlan(ctx context.Context, tenantID snowflake.ID) error {
	plan, err := s.plans.GetEffectivePlan(ctx, tenantID)
	if err != nil {
		return err
	}

	// Limits are resolved on every check, so acknowledging the plan is
	// all reconciliation has to do.
	return s.events.Record(ctx, sedomain.Input{
		TenantID: &tenantID,
		Kind:     sedomain.KindPlanReconciled,
		Severity: sedomain.SeverityInfo,
		Message:  "subscription plan reconciled",
		Context:  map[string]any{"plan_type": plan.PlanType},
	})
}

// lockedCounter returns the row for update, creating it on first use
// with a snapshot of the effective limit. The insert tolerates a
// concurrent creator and re-reads the winner.
func (s *Service) lockedCounter(ctx context.Context, tx *gorm.DB, tenantID snowflake.ID, metric, period string, limit int64) (*quotadomain.UsageCounter, error) {
	counter, err := s.repo.FindCounter(ctx, tx, tenantID, metric, period, true)
	if err != nil {
		return nil, err
	}
	if counter != nil {
		return counter, nil
	}

	fresh := &quotadomain.UsageCounter{
		ID:             s.genID.Generate(),
		TenantID:       tenantID,
		MetricType:     metric,
		Period:         period,
		DailyBreakdown: datatypes.JSONMap{},
		LimitSnapshot:  limit,
		ResetAt:        quotadomain.PeriodResetAt(metric, s.clock.Now()),
		CreatedAt:      s.clock.Now(),
		UpdatedAt:      s.clock.Now(),
	}
	if err := s.repo.InsertCounter(ctx, tx, fresh); err != nil {
		return nil, err
	}

	counter, err = s.repo.FindCounter(ctx, tx, tenantID, metric, period, true)
	if err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return counter, nil
}

func (s *Service) recordUnknownMetric(ctx context.Context, tenantID snowflake.ID, metric string) {
	if err := s.events.Record(ctx, sedomain.Input{
		TenantID: &tenantID,
		Kind:     sedomain.KindUnknownMetricType,
		Severity: sedomain.SeverityWarning,
		Message:  "admission requested for unknown metric type",
		Context:  map[string]any{"metric_type": metric},
	}); err != nil {
		logger.WithContext(ctx, s.log).Warn("unknown metric event not recorded", zap.Error(err))
	}
}

func (s *Service) recordCorruption(ctx context.Context, tenantID snowflake.ID, metric string, held, released int64) {
	if err := s.events.Record(ctx, sedomain.Input{
		TenantID: &tenantID,
		Kind:     sedomain.KindLedgerCorruption,
		Severity: sedomain.SeverityCritical,
		Message:  "counter underflow on release",
		Context: map[string]any{
			"metric_type": metric,
			"held":        held,
			"released":    released,
		},
	}); err != nil {
		logger.WithContext(ctx, s.log).Error("corruption event not recorded", zap.Error(err))
	}
}

func counterKey(tenantID snowflake.ID, metric, period string) string {
	return fmt.Sprintf("%d|%s|%s", tenantID, metric, period)
}

// asCount reads a daily bucket value regardless of how the JSON column
// round-tripped it. Some drivers hand numbers back as json.Number or
// plain strings, and losing those would silently reset the bucket.
func asCount(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case json.Number:
		parsed, err := n.Int64()
		if err != nil {
			return 0
		}
		return parsed
	case string:
		parsed, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}
