package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/pkg/db/pagination"
	"gorm.io/gorm"
)

// ThresholdNotification records a quota threshold crossing for a tenant.
// The unique index over (tenant, metric, period, threshold) is what makes
// delivery at-most-once per period.
type ThresholdNotification struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID   snowflake.ID `json:"tenant_id" gorm:"not null;uniqueIndex:ux_threshold_notifications_key,priority:1"`
	MetricType string       `json:"metric_type" gorm:"type:text;not null;uniqueIndex:ux_threshold_notifications_key,priority:2"`
	Period     string       `json:"period" gorm:"type:text;not null;uniqueIndex:ux_threshold_notifications_key,priority:3"`
	Threshold  int          `json:"threshold" gorm:"not null;uniqueIndex:ux_threshold_notifications_key,priority:4"`
	Count      int64        `json:"count" gorm:"not null"`
	Limit      int64        `json:"limit" gorm:"column:limit_value;not null"`
	Message    string       `json:"message" gorm:"type:text;not null;default:''"`
	Read       bool         `json:"read" gorm:"not null;default:false"`
	CreatedAt  time.Time    `json:"created_at"`
	ReadAt     *time.Time   `json:"read_at,omitempty"`
}

func (ThresholdNotification) TableName() string { return "threshold_notifications" }

// Crossing describes a counter update the notifier should evaluate.
type Crossing struct {
	TenantID   snowflake.ID
	MetricType string
	Period     string
	Limit      int64
	NewCount   int64
}

type Service interface {
	// Observe evaluates a counter update against the configured
	// thresholds and returns the IDs of notifications created by this
	// call. Thresholds already notified in the period return nothing.
	Observe(ctx context.Context, crossing Crossing) ([]string, error)

	MarkRead(ctx context.Context, tenantID, id snowflake.ID) error
	ListUnread(ctx context.Context, tenantID snowflake.ID, page *pagination.Pagination) ([]*ThresholdNotification, *pagination.PageInfo, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, n *ThresholdNotification) (bool, error)
	Exists(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, metric, period string, threshold int) (bool, error)
	Find(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*ThresholdNotification, error)
	MarkRead(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) error
	ListUnread(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, limit int, afterID snowflake.ID) ([]*ThresholdNotification, error)
}

var ErrNotificationNotFound = errors.New("notification_not_found")
