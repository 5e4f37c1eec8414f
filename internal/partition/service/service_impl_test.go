package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apdomain "github.com/craftpage/metering/internal/accesspolicy/domain"
	apsvc "github.com/craftpage/metering/internal/accesspolicy/service"
	"github.com/craftpage/metering/internal/clock"
	"github.com/craftpage/metering/internal/config"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	"github.com/craftpage/metering/internal/partition/repository"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	tenantrepo "github.com/craftpage/metering/internal/tenant/repository"
	tenantsvc "github.com/craftpage/metering/internal/tenant/service"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type eventSink struct {
	mu     sync.Mutex
	events []sedomain.Input
}

func (s *eventSink) Record(_ context.Context, in sedomain.Input) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, in)
	return nil
}

func newTestService(t *testing.T, dsn string) (*Service, *gorm.DB, *eventSink) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&partitiondomain.Descriptor{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	log := zap.NewNop()
	sink := &eventSink{}

	tenants := tenantsvc.New(tenantsvc.Params{
		DB:    db,
		Log:   log,
		GenID: node,
		Repo:  tenantrepo.Provide(),
	})
	policies := apsvc.New(apsvc.Params{
		DB:      db,
		Log:     log,
		Tenants: tenants,
		Events:  sink,
	})

	svc := New(Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.NewSystemClock(),
		Platform: config.NewStaticPlatformConfigHolder(config.DefaultPlatformConfig()),
		Repo:     repository.Provide(),
		Policies: policies,
		Events:   sink,
	}).(*Service)
	return svc, db, sink
}

func TestEnsureCreatesHorizon(t *testing.T) {
	svc, db, _ := newTestService(t, "file:partition_horizon?mode=memory&cache=shared")
	ctx := context.Background()

	ts := time.Date(2024, time.January, 15, 10, 0, 0, 0, time.UTC)
	d, err := svc.Ensure(ctx, "events", ts)
	require.NoError(t, err)

	// The caller gets the descriptor its events route to.
	require.NotNil(t, d)
	assert.Equal(t, "events", d.LogicalTable)
	assert.Equal(t, "events_y2024m01", d.PartitionName)

	// Horizon 2 means the event month plus the next two.
	rows, err := svc.List(ctx, "events")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "events_y2024m01", rows[0].PartitionName)
	assert.Equal(t, "events_y2024m02", rows[1].PartitionName)
	assert.Equal(t, "events_y2024m03", rows[2].PartitionName)

	assert.Equal(t, time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC), rows[0].PeriodStart.UTC())
	assert.Equal(t, time.Date(2024, time.February, 1, 0, 0, 0, 0, time.UTC), rows[0].PeriodEnd.UTC())

	// The descriptor records what got attached.
	assert.Equal(t, apdomain.PolicyName, rows[0].PolicyName)
	assert.Contains(t, []string(rows[0].AttachedIndexes), "ix_events_y2024m01_tenant_time")

	// The physical tables are writable.
	require.NoError(t, db.Exec(
		`INSERT INTO events_y2024m01 (id, tenant_id, kind, occurred_at, payload) VALUES (1, 1, 'search', ?, '{}')`,
		ts,
	).Error)
}

func TestEnsureIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, "file:partition_idem?mode=memory&cache=shared")
	ctx := context.Background()

	ts := time.Date(2024, time.March, 2, 0, 0, 0, 0, time.UTC)
	first, err := svc.Ensure(ctx, "events", ts)
	require.NoError(t, err)
	second, err := svc.Ensure(ctx, "events", ts)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	rows, err := svc.List(ctx, "events")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestEnsureConcurrentCreatesOnce(t *testing.T) {
	svc, _, sink := newTestService(t, "file:partition_race?mode=memory&cache=shared")
	ctx := context.Background()
	ts := time.Date(2024, time.June, 20, 0, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Ensure(ctx, "events", ts)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	rows, err := svc.List(ctx, "events")
	require.NoError(t, err)
	assert.Len(t, rows, 3)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	created := 0
	for _, e := range sink.events {
		if e.Kind == sedomain.KindPartitionCreated {
			created++
		}
	}
	assert.Equal(t, 3, created)
}

func TestEnsureRejectsInvalidTable(t *testing.T) {
	svc, _, _ := newTestService(t, "file:partition_invalid?mode=memory&cache=shared")

	_, err := svc.Ensure(context.Background(), "events; DROP TABLE tenants", time.Now())
	assert.ErrorIs(t, err, partitiondomain.ErrInvalidTableName)
}

func TestPartitionForCrossesYearBoundary(t *testing.T) {
	svc, _, _ := newTestService(t, "file:partition_name?mode=memory&cache=shared")

	assert.Equal(t, "events_y2024m12",
		svc.PartitionFor("events", time.Date(2024, time.December, 31, 23, 59, 0, 0, time.UTC)))
	assert.Equal(t, "events_y2025m01",
		svc.PartitionFor("events", time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)))
}
