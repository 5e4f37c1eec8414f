package repository

import (
	"context"
	"errors"

	configstoredomain "github.com/craftpage/metering/internal/configstore/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() configstoredomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, key string) (*configstoredomain.Entry, error) {
	var entry configstoredomain.Entry
	err := db.WithContext(ctx).
		Where("key = ?", key).
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]configstoredomain.Entry, error) {
	var entries []configstoredomain.Entry
	err := db.WithContext(ctx).
		Order("key ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *configstoredomain.Entry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, entry *configstoredomain.Entry) error {
	return db.WithContext(ctx).Exec(
		`UPDATE config_entries SET value = ?, version = ?, updated_at = ? WHERE key = ?`,
		entry.Value,
		entry.Version,
		entry.UpdatedAt,
		entry.Key,
	).Error
}

func (r *repo) InsertChange(ctx context.Context, db *gorm.DB, change *configstoredomain.ChangeRecord) error {
	return db.WithContext(ctx).Create(change).Error
}

func (r *repo) Changes(ctx context.Context, db *gorm.DB, key string) ([]configstoredomain.ChangeRecord, error) {
	var changes []configstoredomain.ChangeRecord
	err := db.WithContext(ctx).
		Where("key = ?", key).
		Order("version DESC").
		Find(&changes).Error
	if err != nil {
		return nil, err
	}
	return changes, nil
}
