package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Tenant mirrors the identity system's tenant record. This subsystem never
// creates tenants; it only reads them and cascades soft removal.
type Tenant struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	Status    string       `json:"status" gorm:"type:text;not null;default:'active'"`
	AdminFlag bool         `json:"admin_flag" gorm:"not null;default:false"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (Tenant) TableName() string { return "tenants" }

const (
	TenantStatusActive  = "active"
	TenantStatusRemoved = "removed"
)

// SubscriptionPlan mirrors the billing system's active plan per tenant.
type SubscriptionPlan struct {
	ID          snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID    snowflake.ID `json:"tenant_id" gorm:"not null;uniqueIndex:ux_subscription_plans_tenant"`
	PlanType    string       `json:"plan_type" gorm:"type:text;not null"`
	Status      string       `json:"status" gorm:"type:text;not null"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	UpdatedAt   time.Time    `json:"updated_at" gorm:"not null"`
}

func (SubscriptionPlan) TableName() string { return "subscription_plans" }

const (
	PlanFree    = "free"
	PlanPremium = "premium"

	PlanStatusActive = "active"
)

// Resource is a minimal registry of metered resources; it backs the live
// count used for non-periodic quota checks.
type Resource struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID  snowflake.ID `json:"tenant_id" gorm:"not null;index:ix_resources_tenant_kind,priority:1"`
	Kind      string       `json:"kind" gorm:"type:text;not null;index:ix_resources_tenant_kind,priority:2"`
	Status    string       `json:"status" gorm:"type:text;not null;default:'active'"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (Resource) TableName() string { return "resources" }

const (
	ResourceStatusActive  = "active"
	ResourceStatusDeleted = "deleted"
)

// Plan is the effective subscription as reported by billing.
type Plan struct {
	PlanType string `json:"plan_type"`
	Status   string `json:"status"`
}

// PlanResolver is the billing-system seam. The default implementation
// reads the local subscription_plans mirror.
type PlanResolver interface {
	GetEffectivePlan(ctx context.Context, tenantID snowflake.ID) (Plan, error)
}

type Service interface {
	Get(ctx context.Context, id snowflake.ID) (*Tenant, error)
	// Exists reports whether the tenant is present and not removed.
	Exists(ctx context.Context, id snowflake.ID) (bool, error)
	IsAdmin(ctx context.Context, id snowflake.ID) (bool, error)
	// SoftRemove marks the tenant removed and cascades removal to its
	// counters and notifications.
	SoftRemove(ctx context.Context, id snowflake.ID) error

	CreateResource(ctx context.Context, tenantID snowflake.ID, kind string) (*Resource, error)
	DeleteResource(ctx context.Context, tenantID, id snowflake.ID) error
	CountActiveResources(ctx context.Context, tenantID snowflake.ID, kind string) (int64, error)
}

type Repository interface {
	FindTenant(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Tenant, error)
	UpdateTenantStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status string) error
	FindPlan(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*SubscriptionPlan, error)

	InsertResource(ctx context.Context, db *gorm.DB, resource *Resource) error
	UpdateResourceStatus(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, status string) error
	CountActiveResources(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, kind string) (int64, error)
}

var (
	ErrTenantNotFound   = errors.New("tenant_not_found")
	ErrResourceNotFound = errors.New("resource_not_found")
	ErrInvalidKind      = errors.New("invalid_resource_kind")
)
