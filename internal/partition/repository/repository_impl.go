package repository

import (
	"context"
	"errors"

	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repositoryImpl struct{}

func Provide() partitiondomain.Repository {
	return &repositoryImpl{}
}

func (r *repositoryImpl) Insert(ctx context.Context, db *gorm.DB, d *partitiondomain.Descriptor) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(d)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repositoryImpl) Exists(ctx context.Context, db *gorm.DB, table, partition string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&partitiondomain.Descriptor{}).
		Where("table_name = ? AND partition_name = ?", table, partition).
		Count(&count).Error
	return count > 0, err
}

func (r *repositoryImpl) Find(ctx context.Context, db *gorm.DB, table, partition string) (*partitiondomain.Descriptor, error) {
	var d partitiondomain.Descriptor
	err := db.WithContext(ctx).
		Where("table_name = ? AND partition_name = ?", table, partition).
		First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &d, nil
}

func (r *repositoryImpl) List(ctx context.Context, db *gorm.DB, table string) ([]partitiondomain.Descriptor, error) {
	var rows []partitiondomain.Descriptor
	err := db.WithContext(ctx).
		Where("table_name = ?", table).
		Order("period_start").
		Find(&rows).Error
	return rows, err
}
