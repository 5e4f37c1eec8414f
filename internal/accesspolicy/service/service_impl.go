package service

import (
	"context"
	"fmt"
	"regexp"

	"github.com/bwmarrin/snowflake"
	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	"github.com/craftpage/metering/internal/observability/logger"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	pkgdb "github.com/craftpage/metering/pkg/db"
	"github.com/craftpage/metering/pkg/rls"
	"github.com/craftpage/metering/pkg/tenantctx"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tableNameRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Tenants tenantdomain.Service
	Events  sedomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	tenants tenantdomain.Service
	events  sedomain.Service
}

func New(p Params) apdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("accesspolicy.service"),
		tenants: p.Tenants,
		events:  p.Events,
	}
}

func (s *Service) ApplyToTable(ctx context.Context, table string) error {
	if !tableNameRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	if !rls.IsPostgres(s.db) {
		// Isolation falls back to query scoping on engines without
		// row-level security.
		return nil
	}

	tx := s.db.WithContext(ctx)
	if err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table)).Error; err != nil {
		return err
	}
	if err := tx.Exec(fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table)).Error; err != nil {
		return err
	}

	policy := fmt.Sprintf(
		`CREATE POLICY %s ON %s USING (tenant_id = current_setting('%s', true)::bigint OR current_setting('app.admin_override', true) = 'on')`,
		apdomain.PolicyName, table, rls.SettingTenantID,
	)
	if err := tx.Exec(policy).Error; err != nil && !pkgdb.IsObjectExistsErr(err) {
		return err
	}

	if err := s.events.Record(ctx, sedomain.Input{
		Kind:     sedomain.KindPolicyAttached,
		Severity: sedomain.SeverityInfo,
		Message:  "tenant isolation policy attached",
		Context:  map[string]any{"table": table},
	}); err != nil {
		logger.WithContext(ctx, s.log).Warn("policy event not recorded", zap.Error(err))
	}
	return nil
}

func (s *Service) Scope(ctx context.Context) func(*gorm.DB) *gorm.DB {
	tenantID, ok := tenantctx.TenantID(ctx)
	admin := tenantctx.HasCapability(ctx, tenantctx.CapAdminOverride)
	return func(db *gorm.DB) *gorm.DB {
		if admin {
			return db
		}
		if !ok {
			// No tenant means no rows, never all rows.
			return db.Where("1 = 0")
		}
		return db.Where("tenant_id = ?", tenantID)
	}
}

func (s *Service) CheckInsert(ctx context.Context, tenantID snowflake.ID) error {
	tenant, err := s.tenants.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if tenant.Status != tenantdomain.TenantStatusActive {
		return apdomain.ErrTenantRemoved
	}
	return nil
}
