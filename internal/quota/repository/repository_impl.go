package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryImpl struct{}

func Provide() quotadomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) FindDefinition(ctx context.Context, db *gorm.DB, scope, scopeRef, metric string) (*quotadomain.QuotaDefinition, error) {
	var def quotadomain.QuotaDefinition
	err := db.WithContext(ctx).
		Where("scope = ? AND scope_ref = ? AND metric_type = ?", scope, scopeRef, metric).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &def, nil
}

func (r *repositoryImpl) UpsertDefinition(ctx context.Context, db *gorm.DB, def *quotadomain.QuotaDefinition) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "scope_ref"}, {Name: "metric_type"}},
			DoUpdates: clause.AssignmentColumns([]string{"limit_value", "updated_at"}),
		}).
		Create(def).Error
}

func (r *repositoryImpl) FindCounter(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, metric, period string, forUpdate bool) (*quotadomain.UsageCounter, error) {
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND metric_type = ? AND period = ?", tenantID, metric, period)
	if forUpdate && !strings.EqualFold(db.Dialector.Name(), "sqlite") {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var counter quotadomain.UsageCounter
	if err := q.First(&counter).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &counter, nil
}

func (r *repositoryImpl) InsertCounter(ctx context.Context, db *gorm.DB, counter *quotadomain.UsageCounter) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(counter).Error
}

func (r *repositoryImpl) SaveCounter(ctx context.Context, db *gorm.DB, counter *quotadomain.UsageCounter) error {
	return db.WithContext(ctx).
		Model(&quotadomain.UsageCounter{}).
		Where("id = ?", counter.ID).
		Updates(map[string]any{
			"count":           counter.Count,
			"daily_breakdown": counter.DailyBreakdown,
			"updated_at":      counter.UpdatedAt,
		}).Error
}

func (r *repositoryImpl) ListCounters(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]quotadomain.UsageCounter, error) {
	var counters []quotadomain.UsageCounter
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("metric_type, period").
		Find(&counters).Error
	return counters, err
}
