package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// PolicyName is the named predicate every tenant-owned table and
// partition carries.
const PolicyName = "tenant_isolation"

// Service owns tenant isolation: row-level policies on event tables and
// request-time scoping for every tenant-owned query.
type Service interface {
	// ApplyToTable attaches the tenant isolation policy to a physical
	// table. On engines without row-level security it is a no-op.
	ApplyToTable(ctx context.Context, table string) error

	// Scope returns a query scope restricting rows to the tenant in
	// ctx. Requests carrying the admin override capability see all
	// rows.
	Scope(ctx context.Context) func(*gorm.DB) *gorm.DB

	// CheckInsert verifies the tenant may write rows at all.
	CheckInsert(ctx context.Context, tenantID snowflake.ID) error
}

var (
	ErrNoTenant      = errors.New("no_tenant_in_context")
	ErrTenantRemoved = errors.New("tenant_removed")
)
