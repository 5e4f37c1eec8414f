package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	tenantrepo "github.com/craftpage/metering/internal/tenant/repository"
	tenantsvc "github.com/craftpage/metering/internal/tenant/service"
	"github.com/craftpage/metering/pkg/tenantctx"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type eventSink struct{}

func (eventSink) Record(context.Context, sedomain.Input) error { return nil }

func newTestService(t *testing.T, dsn string) (*Service, *gorm.DB, *snowflake.Node) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&tenantdomain.Tenant{}, &tenantdomain.Resource{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	tenants := tenantsvc.New(tenantsvc.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  tenantrepo.Provide(),
	})

	svc := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		Tenants: tenants,
		Events:  eventSink{},
	}).(*Service)
	return svc, db, node
}

func createTenant(t *testing.T, db *gorm.DB, node *snowflake.Node, status string) snowflake.ID {
	t.Helper()
	tenant := &tenantdomain.Tenant{
		ID:        node.Generate(),
		Status:    status,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(tenant).Error)
	return tenant.ID
}

func TestScopeFiltersByTenant(t *testing.T) {
	svc, db, node := newTestService(t, "file:accesspolicy_scope?mode=memory&cache=shared")

	tenantA := createTenant(t, db, node, tenantdomain.TenantStatusActive)
	tenantB := createTenant(t, db, node, tenantdomain.TenantStatusActive)
	for _, id := range []snowflake.ID{tenantA, tenantA, tenantB} {
		require.NoError(t, db.Create(&tenantdomain.Resource{
			ID:       node.Generate(),
			TenantID: id,
			Kind:     "bot",
			Status:   tenantdomain.ResourceStatusActive,
		}).Error)
	}

	ctx := tenantctx.WithTenantID(context.Background(), tenantA)
	var count int64
	require.NoError(t, db.Model(&tenantdomain.Resource{}).Scopes(svc.Scope(ctx)).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestScopeAdminOverrideSeesAllRows(t *testing.T) {
	svc, db, node := newTestService(t, "file:accesspolicy_admin?mode=memory&cache=shared")

	tenantA := createTenant(t, db, node, tenantdomain.TenantStatusActive)
	tenantB := createTenant(t, db, node, tenantdomain.TenantStatusActive)
	for _, id := range []snowflake.ID{tenantA, tenantB} {
		require.NoError(t, db.Create(&tenantdomain.Resource{
			ID:       node.Generate(),
			TenantID: id,
			Kind:     "collection",
			Status:   tenantdomain.ResourceStatusActive,
		}).Error)
	}

	ctx := tenantctx.WithCapabilities(
		tenantctx.WithTenantID(context.Background(), tenantA),
		tenantctx.CapAdminOverride,
	)
	var count int64
	require.NoError(t, db.Model(&tenantdomain.Resource{}).Scopes(svc.Scope(ctx)).Count(&count).Error)
	assert.EqualValues(t, 2, count)
}

func TestScopeWithoutTenantReturnsNothing(t *testing.T) {
	svc, db, node := newTestService(t, "file:accesspolicy_notenant?mode=memory&cache=shared")

	tenantA := createTenant(t, db, node, tenantdomain.TenantStatusActive)
	require.NoError(t, db.Create(&tenantdomain.Resource{
		ID:       node.Generate(),
		TenantID: tenantA,
		Kind:     "bot",
		Status:   tenantdomain.ResourceStatusActive,
	}).Error)

	var count int64
	require.NoError(t, db.Model(&tenantdomain.Resource{}).Scopes(svc.Scope(context.Background())).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestCheckInsert(t *testing.T) {
	svc, db, node := newTestService(t, "file:accesspolicy_insert?mode=memory&cache=shared")
	ctx := context.Background()

	active := createTenant(t, db, node, tenantdomain.TenantStatusActive)
	removed := createTenant(t, db, node, tenantdomain.TenantStatusRemoved)

	assert.NoError(t, svc.CheckInsert(ctx, active))
	assert.ErrorIs(t, svc.CheckInsert(ctx, removed), apdomain.ErrTenantRemoved)
	assert.ErrorIs(t, svc.CheckInsert(ctx, node.Generate()), tenantdomain.ErrTenantNotFound)
}

func TestApplyToTableRejectsBadNames(t *testing.T) {
	svc, _, _ := newTestService(t, "file:accesspolicy_names?mode=memory&cache=shared")

	assert.Error(t, svc.ApplyToTable(context.Background(), `events; DROP TABLE tenants`))
	assert.NoError(t, svc.ApplyToTable(context.Background(), "events_y2024m03"))
}
