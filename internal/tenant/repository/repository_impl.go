package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() tenantdomain.Repository {
	return &repo{}
}

func (r *repo) FindTenant(ctx context.Context, db *gorm.DB, id snowflake.ID) (*tenantdomain.Tenant, error) {
	var tenant tenantdomain.Tenant
	err := db.WithContext(ctx).
		Where("id = ?", id).
		First(&tenant).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tenant, nil
}

func (r *repo) UpdateTenantStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string) error {
	return db.WithContext(ctx).Exec(
		`UPDATE tenants SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		status,
		id,
	).Error
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*tenantdomain.SubscriptionPlan, error) {
	var plan tenantdomain.SubscriptionPlan
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

func (r *repo) InsertResource(ctx context.Context, db *gorm.DB, resource *tenantdomain.Resource) error {
	return db.WithContext(ctx).Create(resource).Error
}

func (r *repo) UpdateResourceStatus(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, status string) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE resources SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE tenant_id = ? AND id = ?`,
		status,
		tenantID,
		id,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return tenantdomain.ErrResourceNotFound
	}
	return nil
}

func (r *repo) CountActiveResources(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, kind string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM resources WHERE tenant_id = ? AND kind = ? AND status = ?`,
		tenantID,
		kind,
		tenantdomain.ResourceStatusActive,
	).Scan(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
