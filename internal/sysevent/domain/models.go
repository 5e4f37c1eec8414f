package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Severity classifies a system event for escalation purposes.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Well-known event kinds emitted by the metering subsystem.
const (
	KindUnknownMetricType      = "quota.unknown_metric_type"
	KindQuotaAdjusted          = "quota.counter_adjusted"
	KindLedgerCorruption       = "quota.ledger_corruption"
	KindThresholdCrossed       = "quota.threshold_crossed"
	KindPartitionCreated       = "partition.created"
	KindSecondaryObjectFailure = "partition.secondary_object_failure"
	KindPolicyAttached         = "accesspolicy.attached"
	KindConfigChanged          = "config.changed"
	KindMigrationReport        = "vectormigrate.report"
	KindPlanReconciled         = "tenant.plan_reconciled"
)

// SystemEvent is the persisted form of one LogSystemEvent call.
type SystemEvent struct {
	ID        snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID  *snowflake.ID     `json:"tenant_id,omitempty" gorm:"index:ix_system_events_tenant_created,priority:1"`
	Kind      string            `json:"kind" gorm:"type:text;not null;index"`
	Severity  Severity          `json:"severity" gorm:"type:text;not null"`
	Message   string            `json:"message" gorm:"type:text;not null"`
	Context   datatypes.JSONMap `json:"context,omitempty"`
	CreatedAt time.Time         `json:"created_at" gorm:"not null;index:ix_system_events_tenant_created,priority:2"`
}

func (SystemEvent) TableName() string { return "system_events" }

// Input is one event to record.
type Input struct {
	TenantID *snowflake.ID
	Kind     string
	Severity Severity
	Message  string
	Context  map[string]any
}

type Service interface {
	// Record persists and logs the event. For critical severity a
	// persistence failure is returned; lower severities degrade to a
	// log-only event.
	Record(ctx context.Context, in Input) error
}

var (
	ErrInvalidKind     = errors.New("invalid_kind")
	ErrInvalidSeverity = errors.New("invalid_severity")
)
