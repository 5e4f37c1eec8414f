package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Metric types tracked by the ledger. Periodic metrics reset each
// calendar month; lifetime metrics track currently-held objects and are
// decremented when the object is released.
const (
	MetricBots        = "bots"
	MetricCollections = "collections"
	MetricDocuments   = "documents"
	MetricSearches    = "searches"
)

// PeriodLifetime is the period value used for non-resetting metrics.
const PeriodLifetime = "lifetime"

// Unlimited disables enforcement for a metric when used as a limit.
const Unlimited int64 = -1

func KnownMetric(metric string) bool {
	switch metric {
	case MetricBots, MetricCollections, MetricDocuments, MetricSearches:
		return true
	}
	return false
}

func IsPeriodic(metric string) bool {
	return metric == MetricSearches
}

// ResourceKindFor returns the resource kind whose live count backs a
// lifetime metric, or "" for periodic metrics.
func ResourceKindFor(metric string) string {
	switch metric {
	case MetricBots:
		return "bot"
	case MetricCollections:
		return "collection"
	case MetricDocuments:
		return "document"
	}
	return ""
}

// PeriodFor returns the counter period key for metric at ts.
func PeriodFor(metric string, ts time.Time) string {
	if IsPeriodic(metric) {
		return ts.UTC().Format("2006-01")
	}
	return PeriodLifetime
}

// PeriodResetAt returns when the counter period containing ts rolls
// over, or nil for lifetime metrics.
func PeriodResetAt(metric string, ts time.Time) *time.Time {
	if !IsPeriodic(metric) {
		return nil
	}
	u := ts.UTC()
	reset := time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return &reset
}

// Definition scopes, from most to least specific at resolution time.
const (
	ScopeTenant = "tenant"
	ScopePlan   = "plan"
	ScopeGlobal = "global"
)

// QuotaDefinition is one limit rule. ScopeRef holds the plan type for
// plan scope and the tenant ID for tenant scope; it is empty for global.
// MinValue and MaxValue bound what an override may set LimitValue to
// (zero max means unbounded); Editable false freezes the rule.
type QuotaDefinition struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	Scope      string       `json:"scope" gorm:"type:text;not null;uniqueIndex:ux_quota_definitions_rule,priority:1"`
	ScopeRef   string       `json:"scope_ref" gorm:"type:text;not null;default:'';uniqueIndex:ux_quota_definitions_rule,priority:2"`
	MetricType string       `json:"metric_type" gorm:"type:text;not null;uniqueIndex:ux_quota_definitions_rule,priority:3"`
	LimitValue int64        `json:"limit_value" gorm:"not null"`
	MinValue   int64        `json:"min_value" gorm:"not null;default:0"`
	MaxValue   int64        `json:"max_value" gorm:"not null;default:0"`
	Editable   bool         `json:"editable" gorm:"not null;default:true"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

func (QuotaDefinition) TableName() string { return "quota_definitions" }

// UsageCounter is the persisted consumption state for one tenant,
// metric and period. DailyBreakdown maps "2006-01-02" day keys to the
// amount consumed that day. LimitSnapshot freezes the effective limit
// at first use; ResetAt marks the period rollover for periodic metrics
// and is nil for lifetime ones. Rollover creates a new row, it never
// mutates the old one.
type UsageCounter struct {
	ID             snowflake.ID      `json:"id" gorm:"primaryKey"`
	TenantID       snowflake.ID      `json:"tenant_id" gorm:"not null;uniqueIndex:ux_usage_counters_key,priority:1"`
	MetricType     string            `json:"metric_type" gorm:"type:text;not null;uniqueIndex:ux_usage_counters_key,priority:2"`
	Period         string            `json:"period" gorm:"type:text;not null;uniqueIndex:ux_usage_counters_key,priority:3"`
	Count          int64             `json:"count" gorm:"not null;default:0"`
	DailyBreakdown datatypes.JSONMap `json:"daily_breakdown,omitempty"`
	LimitSnapshot  int64             `json:"limit_snapshot" gorm:"column:quota_limit;not null;default:0"`
	ResetAt        *time.Time        `json:"reset_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

func (UsageCounter) TableName() string { return "usage_counters" }

// Decision is the outcome of one check-and-consume call.
type Decision struct {
	Admitted        bool     `json:"admitted"`
	NewCount        int64    `json:"new_count"`
	Limit           int64    `json:"limit"`
	NotificationIDs []string `json:"notification_ids,omitempty"`
}

// MetricUsage is one line of a tenant usage report.
type MetricUsage struct {
	MetricType string           `json:"metric_type"`
	Period     string           `json:"period"`
	Count      int64            `json:"count"`
	Limit      int64            `json:"limit"`
	Daily      map[string]int64 `json:"daily,omitempty"`
}

type Service interface {
	// CheckAndConsume atomically admits or rejects n units of metric
	// for the tenant. Lifetime metrics are judged against the live
	// count of active resources; periodic metrics against the counter
	// itself. Both paths update the counter for reporting. Rejected
	// calls never change the counter. Unknown metric types reject
	// without error.
	CheckAndConsume(ctx context.Context, tenantID snowflake.ID, metric string, n int64) (Decision, error)

	// Release returns n previously consumed units of a lifetime metric,
	// clamping at zero.
	Release(ctx context.Context, tenantID snowflake.ID, metric string, n int64) error

	// EffectiveLimit resolves the limit for the tenant, most specific
	// rule first: tenant override, plan rule, then global default.
	EffectiveLimit(ctx context.Context, tenantID snowflake.ID, metric string) (int64, error)

	// AdjustCounter sets an absolute counter value, recording the
	// correction for audit.
	AdjustCounter(ctx context.Context, tenantID snowflake.ID, metric string, value int64, reason string) error

	// Usage reports current-period consumption and effective limits for
	// every known metric.
	Usage(ctx context.Context, tenantID snowflake.ID) ([]MetricUsage, error)

	// ReconcilePlan re-reads the tenant's effective plan and records the
	// reconciliation. Limits are resolved live, so a plan change takes
	// effect on the next check.
	ReconcilePlan(ctx context.Context, tenantID snowflake.ID) error
}

type Repository interface {
	FindDefinition(ctx context.Context, db *gorm.DB, scope, scopeRef, metric string) (*QuotaDefinition, error)
	UpsertDefinition(ctx context.Context, db *gorm.DB, def *QuotaDefinition) error
	FindCounter(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, metric, period string, forUpdate bool) (*UsageCounter, error)
	InsertCounter(ctx context.Context, db *gorm.DB, counter *UsageCounter) error
	SaveCounter(ctx context.Context, db *gorm.DB, counter *UsageCounter) error
	ListCounters(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) ([]UsageCounter, error)
}

var (
	ErrQuotaExceeded  = errors.New("quota_exceeded")
	ErrUnknownMetric  = errors.New("unknown_metric_type")
	ErrInvalidConsume = errors.New("invalid_consume_amount")
)
