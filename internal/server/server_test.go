package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apsvc "github.com/craftpage/metering/internal/accesspolicy/service"
	admissionsvc "github.com/craftpage/metering/internal/admission/service"
	"github.com/craftpage/metering/internal/clock"
	"github.com/craftpage/metering/internal/config"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	notifrepo "github.com/craftpage/metering/internal/notifier/repository"
	notifsvc "github.com/craftpage/metering/internal/notifier/service"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	partitionrepo "github.com/craftpage/metering/internal/partition/repository"
	partitionsvc "github.com/craftpage/metering/internal/partition/service"
	quotadomain "github.com/craftpage/metering/internal/quota/domain"
	quotarepo "github.com/craftpage/metering/internal/quota/repository"
	quotasvc "github.com/craftpage/metering/internal/quota/service"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	tenantdomain "github.com/craftpage/metering/internal/tenant/domain"
	tenantrepo "github.com/craftpage/metering/internal/tenant/repository"
	tenantsvc "github.com/craftpage/metering/internal/tenant/service"
	vmdomain "github.com/craftpage/metering/internal/vectormigrate/domain"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type configStub struct{}

func (configStub) Get(_ context.Context, key string) (*csdomain.Entry, error) {
	if key == csdomain.KeyVectorDimension {
		return &csdomain.Entry{Key: key, Value: []byte("1536"), Version: 1}, nil
	}
	return nil, csdomain.ErrKeyNotFound
}
func (configStub) Set(_ context.Context, key string, value any, _ string) (*csdomain.Entry, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return &csdomain.Entry{Key: key, Value: raw, Version: 2}, nil
}
func (configStub) List(context.Context) ([]csdomain.Entry, error)                   { return nil, nil }
func (configStub) Changes(context.Context, string) ([]csdomain.ChangeRecord, error) { return nil, nil }
func (configStub) GetInt(_ context.Context, key string) (int, error) {
	defaults := map[string]int{
		csdomain.QuotaDefaultKey(quotadomain.MetricBots):        1,
		csdomain.QuotaDefaultKey(quotadomain.MetricCollections): 3,
		csdomain.QuotaDefaultKey(quotadomain.MetricDocuments):   50,
		csdomain.QuotaDefaultKey(quotadomain.MetricSearches):    100,
	}
	return defaults[key], nil
}
func (configStub) GetIntOr(_ context.Context, _ string, def int) int  { return def }
func (configStub) GetString(context.Context, string) (string, error)  { return "", nil }
func (configStub) GetBool(context.Context, string) (bool, error)      { return false, nil }
func (configStub) GetIntSlice(context.Context, string) ([]int, error) { return []int{80, 90, 100}, nil }

type eventSink struct{}

func (eventSink) Record(context.Context, sedomain.Input) error { return nil }

type migrateStub struct{}

func (migrateStub) Run(_ context.Context, newDim int) (*vmdomain.Report, error) {
	if newDim < 64 || newDim > 4096 {
		return nil, vmdomain.ErrInvalidDimension
	}
	return &vmdomain.Report{RunID: "test", ToDim: newDim, State: vmdomain.StateDone}, nil
}
func (migrateStub) Status(context.Context) (vmdomain.State, *vmdomain.Report) {
	return vmdomain.StateIdle, nil
}

func newTestServer(t *testing.T, dsn string) (*Server, *gorm.DB, *snowflake.Node) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&tenantdomain.Tenant{},
		&tenantdomain.SubscriptionPlan{},
		&tenantdomain.Resource{},
		&quotadomain.QuotaDefinition{},
		&quotadomain.UsageCounter{},
		&notifdomain.ThresholdNotification{},
		&partitiondomain.Descriptor{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	sink := eventSink{}
	cfg := configStub{}
	clk := clock.NewSystemClock()

	tenants := tenantsvc.New(tenantsvc.Params{DB: db, Log: log, GenID: node, Repo: tenantrepo.Provide()})
	plans := tenantsvc.NewPlanResolver(tenantsvc.PlanResolverParams{DB: db, Repo: tenantrepo.Provide()})
	policies := apsvc.New(apsvc.Params{DB: db, Log: log, Tenants: tenants, Events: sink})
	partitions := partitionsvc.New(partitionsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Platform: config.NewStaticPlatformConfigHolder(config.DefaultPlatformConfig()),
		Repo:     partitionrepo.Provide(), Policies: policies, Events: sink,
	})
	notifier := notifsvc.New(notifsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: notifrepo.Provide(), Config: cfg, Events: sink,
	})
	quota := quotasvc.New(quotasvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Repo: quotarepo.Provide(), Plans: plans, Tenants: tenants,
		Config: cfg, Notifier: notifier, Events: sink,
	})
	admissions := admissionsvc.New(admissionsvc.Params{
		DB: db, Log: log, GenID: node, Clock: clk,
		Quota: quota, Tenants: tenants, Partitions: partitions, Policies: policies,
	})

	engine := gin.New()
	engine.Use(ErrorHandlingMiddleware())

	srv := NewServer(ServerParams{
		Gin:          engine,
		DB:           db,
		GenID:        node,
		AdmissionSvc: admissions,
		QuotaSvc:     quota,
		TenantSvc:    tenants,
		PartitionSvc: partitions,
		PolicySvc:    policies,
		NotifierSvc:  notifier,
		ConfigSvc:    cfg,
		MigrateSvc:   migrateStub{},
	})
	return srv, db, node
}

func createTenant(t *testing.T, db *gorm.DB, node *snowflake.Node) snowflake.ID {
	t.Helper()
	tenant := &tenantdomain.Tenant{
		ID:        node.Generate(),
		Status:    tenantdomain.TenantStatusActive,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(tenant).Error)
	return tenant.ID
}

func doJSON(srv *Server, method, path string, tenantID string, caps string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	if caps != "" {
		req.Header.Set("X-Capabilities", caps)
	}
	rec := httptest.NewRecorder()
	srv.engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateResourceRequiresTenant(t *testing.T) {
	srv, _, _ := newTestServer(t, "file:server_auth?mode=memory&cache=shared")

	rec := doJSON(srv, http.MethodPost, "/v1/resources", "", "", gin.H{"kind": "bot"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateResourceQuotaFlow(t *testing.T) {
	srv, db, node := newTestServer(t, "file:server_quota?mode=memory&cache=shared")
	tenantID := createTenant(t, db, node).String()

	rec := doJSON(srv, http.MethodPost, "/v1/resources", tenantID, "", gin.H{"kind": "bot"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/v1/resources", tenantID, "", gin.H{"kind": "bot"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body struct {
		Count int64 `json:"count"`
		Limit int64 `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body.Count)
	assert.EqualValues(t, 1, body.Limit)
}

func TestRecordEventAndListPartitions(t *testing.T) {
	srv, db, node := newTestServer(t, "file:server_events?mode=memory&cache=shared")
	tenantID := createTenant(t, db, node).String()

	rec := doJSON(srv, http.MethodPost, "/v1/events/events", tenantID, "", gin.H{
		"kind":        "api_call",
		"occurred_at": "2024-02-10T08:00:00Z",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/partitions/events", tenantID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Partitions []partitiondomain.Descriptor `json:"partitions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Partitions, 3)
	assert.Equal(t, "events_y2024m02", body.Partitions[0].PartitionName)
}

func TestGetUsage(t *testing.T) {
	srv, db, node := newTestServer(t, "file:server_usage?mode=memory&cache=shared")
	tenantID := createTenant(t, db, node).String()

	rec := doJSON(srv, http.MethodGet, "/v1/usage", tenantID, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Usage []quotadomain.MetricUsage `json:"usage"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Usage, 4)
}

func TestAdminRoutesRequireCapability(t *testing.T) {
	srv, db, node := newTestServer(t, "file:server_admin?mode=memory&cache=shared")
	tenantID := createTenant(t, db, node).String()

	rec := doJSON(srv, http.MethodPost, "/v1/admin/vector-dimension", tenantID, "", gin.H{"dimension": 768})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/v1/admin/vector-dimension", tenantID, "admin.override", gin.H{"dimension": 768})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv, http.MethodPost, "/v1/admin/vector-dimension", tenantID, "admin.override", gin.H{"dimension": 7})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutConfigRequiresWriteCapability(t *testing.T) {
	srv, db, node := newTestServer(t, "file:server_config?mode=memory&cache=shared")
	tenantID := createTenant(t, db, node).String()

	rec := doJSON(srv, http.MethodPut, "/v1/config/vector.dimension", tenantID, "", gin.H{"value": 768})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(srv, http.MethodPut, "/v1/config/vector.dimension", tenantID, "config.write", gin.H{"value": 768})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(srv, http.MethodGet, "/v1/config/missing.key", tenantID, "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
