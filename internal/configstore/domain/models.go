package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Entry is one versioned configuration value. Value is stored as JSON so a
// key can hold a scalar or a list (e.g. the threshold ladder).
type Entry struct {
	Key       string         `json:"key" gorm:"primaryKey;type:text"`
	Value     datatypes.JSON `json:"value" gorm:"not null"`
	Version   int64          `json:"version" gorm:"not null;default:1"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"not null"`
}

func (Entry) TableName() string { return "config_entries" }

// ChangeRecord is the audit trail of one successful Set.
type ChangeRecord struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	Key       string         `json:"key" gorm:"type:text;not null;index"`
	OldValue  datatypes.JSON `json:"old_value"`
	NewValue  datatypes.JSON `json:"new_value" gorm:"not null"`
	Version   int64          `json:"version" gorm:"not null"`
	ChangedBy string         `json:"changed_by" gorm:"type:text"`
	ChangedAt time.Time      `json:"changed_at" gorm:"not null"`
}

func (ChangeRecord) TableName() string { return "config_changes" }

// Well-known configuration keys.
const (
	KeyVectorDimension = "vector.dimension"
	KeyQuotaThresholds = "quota.thresholds"

	quotaDefaultPrefix = "quota.default."
)

// QuotaDefaultKey names the global default quota for a metric type.
func QuotaDefaultKey(metricType string) string {
	return quotaDefaultPrefix + metricType
}

var (
	ErrKeyNotFound  = errors.New("config_key_not_found")
	ErrInvalidKey   = errors.New("invalid_config_key")
	ErrInvalidValue = errors.New("invalid_config_value")
	ErrWrongType    = errors.New("config_value_wrong_type")
)
