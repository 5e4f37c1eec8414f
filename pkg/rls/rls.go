package rls

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SettingTenantID is the postgres session setting row policies key on.
const SettingTenantID = "app.current_tenant_id"

// WithTenant scopes the current transaction to one tenant. Must run inside
// a transaction so SET LOCAL is reverted on commit/rollback.
func WithTenant(tx *gorm.DB, tenantID snowflake.ID) error {
	if !IsPostgres(tx) {
		return nil
	}
	return tx.Exec(
		fmt.Sprintf("SET LOCAL %s = ?", SettingTenantID),
		tenantID.String(),
	).Error
}

// WithAdminOverride marks the transaction as bypassing tenant policies.
func WithAdminOverride(tx *gorm.DB) error {
	if !IsPostgres(tx) {
		return nil
	}
	return tx.Exec("SET LOCAL app.admin_override = 'on'").Error
}

// IsPostgres reports whether the connection speaks the postgres dialect.
func IsPostgres(db *gorm.DB) bool {
	return db != nil && strings.EqualFold(db.Dialector.Name(), "postgres")
}
