package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryImpl struct{}

func Provide() notifdomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, n *notifdomain.ThresholdNotification) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(n)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repositoryImpl) Exists(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, metric, period string, threshold int) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&notifdomain.ThresholdNotification{}).
		Where("tenant_id = ? AND metric_type = ? AND period = ? AND threshold = ?", tenantID, metric, period, threshold).
		Count(&count).Error
	return count > 0, err
}

func (r *repositoryImpl) Find(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*notifdomain.ThresholdNotification, error) {
	var n notifdomain.ThresholdNotification
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		First(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &n, nil
}

func (r *repositoryImpl) MarkRead(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) error {
	res := db.WithContext(ctx).Exec(
		`UPDATE threshold_notifications SET read = TRUE, read_at = ? WHERE tenant_id = ? AND id = ? AND read = FALSE`,
		at, tenantID, id,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return notifdomain.ErrNotificationNotFound
	}
	return nil
}

func (r *repositoryImpl) ListUnread(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, limit int, afterID snowflake.ID) ([]*notifdomain.ThresholdNotification, error) {
	q := db.WithContext(ctx).
		Where("tenant_id = ? AND read = FALSE", tenantID).
		Order("id DESC").
		Limit(limit)
	if afterID != 0 {
		q = q.Where("id < ?", afterID)
	}

	var rows []*notifdomain.ThresholdNotification
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
