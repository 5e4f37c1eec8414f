package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/clock"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	"github.com/craftpage/metering/internal/observability/logger"
	"github.com/craftpage/metering/internal/observability/metrics"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	"github.com/craftpage/metering/pkg/db/pagination"
	"github.com/craftpage/metering/pkg/keylock"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var defaultThresholds = []int{80, 90, 100}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    notifdomain.Repository
	Config  csdomain.Service
	Events  sedomain.Service
	Metrics *metrics.Metrics
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    notifdomain.Repository
	config  csdomain.Service
	events  sedomain.Service
	metrics *metrics.Metrics
	locks   *keylock.KeyLock
}

func New(p Params) notifdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("notifier.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		config:  p.Config,
		events:  p.Events,
		metrics: p.Metrics,
		locks:   keylock.New(),
	}
}

func (s *Service) Observe(ctx context.Context, crossing notifdomain.Crossing) ([]string, error) {
	if crossing.Limit <= 0 {
		return nil, nil
	}

	thresholds, err := s.config.GetIntSlice(ctx, csdomain.KeyQuotaThresholds)
	if err != nil || len(thresholds) == 0 {
		thresholds = defaultThresholds
	}
	sort.Ints(thresholds)

	var created []string
	for _, threshold := range thresholds {
		// At or above the threshold line. Integer math avoids float
		// rounding at the boundary (e.g. 4/5 of limit 5 is exactly
		// 80%); the existence check below keeps repeat observations
		// from duplicating the notification.
		line := int64(threshold) * crossing.Limit
		if crossing.NewCount*100 < line {
			continue
		}

		id, madeNew, err := s.notifyOnce(ctx, crossing, threshold)
		if err != nil {
			return created, err
		}
		if madeNew {
			created = append(created, id.String())
		}
	}
	return created, nil
}

// notifyOnce creates the notification for one threshold crossing. The
// per-key mutex plus the unique index keep concurrent observers from
// producing duplicates: the first writer wins and everyone else sees the
// existing row.
func (s *Service) notifyOnce(ctx context.Context, crossing notifdomain.Crossing, threshold int) (snowflake.ID, bool, error) {
	key := fmt.Sprintf("%d|%s|%s|%d", crossing.TenantID, crossing.MetricType, crossing.Period, threshold)
	s.locks.Lock(key)
	defer s.locks.Unlock(key)

	exists, err := s.repo.Exists(ctx, s.db, crossing.TenantID, crossing.MetricType, crossing.Period, threshold)
	if err != nil {
		return 0, false, err
	}
	if exists {
		return 0, false, nil
	}

	n := &notifdomain.ThresholdNotification{
		ID:         s.genID.Generate(),
		TenantID:   crossing.TenantID,
		MetricType: crossing.MetricType,
		Period:     crossing.Period,
		Threshold:  threshold,
		Count:      crossing.NewCount,
		Limit:      crossing.Limit,
		Message: fmt.Sprintf("%s usage reached %d%% of the limit (%d of %d)",
			crossing.MetricType, threshold, crossing.NewCount, crossing.Limit),
		CreatedAt: s.clock.Now(),
	}
	inserted, err := s.repo.Insert(ctx, s.db, n)
	if err != nil {
		return 0, false, err
	}
	if !inserted {
		// Lost the race to another process.
		return 0, false, nil
	}

	s.metrics.RecordThresholdNotification(ctx, crossing.MetricType, threshold)
	logger.WithContext(ctx, s.log).Info("threshold crossed",
		zap.Int64("tenant_id", int64(crossing.TenantID)),
		zap.String("metric_type", crossing.MetricType),
		zap.Int("threshold", threshold),
		zap.Int64("count", crossing.NewCount),
		zap.Int64("limit", crossing.Limit),
	)

	if threshold >= 100 {
		tenantID := crossing.TenantID
		if err := s.events.Record(ctx, sedomain.Input{
			TenantID: &tenantID,
			Kind:     sedomain.KindThresholdCrossed,
			Severity: sedomain.SeverityWarning,
			Message:  "quota fully consumed",
			Context: map[string]any{
				"metric_type": crossing.MetricType,
				"period":      crossing.Period,
				"threshold":   strconv.Itoa(threshold),
			},
		}); err != nil {
			logger.WithContext(ctx, s.log).Warn("threshold event not recorded", zap.Error(err))
		}
	}

	return n.ID, true, nil
}

func (s *Service) MarkRead(ctx context.Context, tenantID, id snowflake.ID) error {
	err := s.repo.MarkRead(ctx, s.db, tenantID, id, s.clock.Now())
	if err == nil {
		return nil
	}
	if err != notifdomain.ErrNotificationNotFound {
		return err
	}

	// Marking an already-read notification is a no-op, not an error.
	existing, findErr := s.repo.Find(ctx, s.db, tenantID, id)
	if findErr != nil {
		return findErr
	}
	if existing == nil {
		return notifdomain.ErrNotificationNotFound
	}
	return nil
}

func (s *Service) ListUnread(ctx context.Context, tenantID snowflake.ID, page *pagination.Pagination) ([]*notifdomain.ThresholdNotification, *pagination.PageInfo, error) {
	limit := 50
	if page != nil && page.PageSize > 0 {
		limit = page.PageSize
	}

	var afterID snowflake.ID
	if page != nil && page.PageToken != "" {
		cursor, err := pagination.DecodeCursor(page.PageToken)
		if err != nil {
			return nil, nil, err
		}
		parsed, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return nil, nil, err
		}
		afterID = parsed
	}

	rows, err := s.repo.ListUnread(ctx, s.db, tenantID, limit+1, afterID)
	if err != nil {
		return nil, nil, err
	}

	info := pagination.BuildCursorPageInfo(rows, limit, func(n *notifdomain.ThresholdNotification) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: n.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, info, nil
}
