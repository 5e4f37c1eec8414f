package service

import (
	"context"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/clock"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	notifdomain "github.com/craftpage/metering/internal/notifier/domain"
	"github.com/craftpage/metering/internal/notifier/repository"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Stubs --

type configStub struct {
	thresholds []int
}

func (c *configStub) Get(context.Context, string) (*csdomain.Entry, error) { return nil, nil }
func (c *configStub) Set(context.Context, string, any, string) (*csdomain.Entry, error) {
	return nil, nil
}
func (c *configStub) List(context.Context) ([]csdomain.Entry, error) { return nil, nil }
func (c *configStub) Changes(context.Context, string) ([]csdomain.ChangeRecord, error) {
	return nil, nil
}
func (c *configStub) GetInt(context.Context, string) (int, error)       { return 0, nil }
func (c *configStub) GetIntOr(_ context.Context, _ string, def int) int { return def }
func (c *configStub) GetString(context.Context, string) (string, error) { return "", nil }
func (c *configStub) GetBool(context.Context, string) (bool, error)     { return false, nil }
func (c *configStub) GetIntSlice(context.Context, string) ([]int, error) {
	return c.thresholds, nil
}

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
	require.NoError(t, db.AutoMigrate(&notifdomain.ThresholdNotification{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sink := &eventSink{}
	svc := New(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Clock:  clock.NewSystemClock(),
		Repo:   repository.Provide(),
		Config: &configStub{thresholds: []int{80, 90, 100}},
		Events: sink,
	}).(*Service)
	return svc, db, sink
}

// -- Tests --

func TestObserveCreatesEachThresholdOnce(t *testing.T) {
	svc, db, sink := newTestService(t, "file:notifier_once?mode=memory&cache=shared")
	ctx := context.Background()
	tenantID := svc.genID.Generate()

	crossing := notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "searches",
		Period:     "2024-03",
		Limit:      5,
		NewCount:   5,
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created []string
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids, err := svc.Observe(ctx, crossing)
			assert.NoError(t, err)
			mu.Lock()
			created = append(created, ids...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	// One notification per crossed threshold, no matter how many
	// concurrent observers report the same transition.
	assert.Len(t, created, 3)

	var count int64
	require.NoError(t, db.Model(&notifdomain.ThresholdNotification{}).
		Where("tenant_id = ?", tenantID).Count(&count).Error)
	assert.EqualValues(t, 3, count)

	// Full consumption escalates exactly once.
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.events, 1)
	assert.Equal(t, sedomain.KindThresholdCrossed, sink.events[0].Kind)
}

func TestObservePartialCrossing(t *testing.T) {
	svc, _, _ := newTestService(t, "file:notifier_partial?mode=memory&cache=shared")
	ctx := context.Background()
	tenantID := svc.genID.Generate()

	ids, err := svc.Observe(ctx, notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "searches",
		Period:     "2024-03",
		Limit:      100,
		NewCount:   85,
	})
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	// The next transition crosses 90 only; 80 was already notified.
	ids, err = svc.Observe(ctx, notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "searches",
		Period:     "2024-03",
		Limit:      100,
		NewCount:   95,
	})
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestObserveBackfillsSkippedThresholds(t *testing.T) {
	svc, _, _ := newTestService(t, "file:notifier_backfill?mode=memory&cache=shared")
	ctx := context.Background()
	tenantID := svc.genID.Generate()

	// A single large consume can land past several thresholds at once;
	// every threshold at or below the new count gets its notification.
	ids, err := svc.Observe(ctx, notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "searches",
		Period:     "2024-03",
		Limit:      100,
		NewCount:   92,
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestObserveUnlimitedMetricIsSilent(t *testing.T) {
	svc, _, _ := newTestService(t, "file:notifier_unlimited?mode=memory&cache=shared")

	ids, err := svc.Observe(context.Background(), notifdomain.Crossing{
		TenantID:   svc.genID.Generate(),
		MetricType: "documents",
		Period:     "2024-03",
		Limit:      0,
		NewCount:   1000,
	})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestObserveNewPeriodNotifiesAgain(t *testing.T) {
	svc, _, _ := newTestService(t, "file:notifier_period?mode=memory&cache=shared")
	ctx := context.Background()
	tenantID := svc.genID.Generate()

	crossing := notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "searches",
		Period:     "2024-03",
		Limit:      10,
		NewCount:   8,
	}
	ids, err := svc.Observe(ctx, crossing)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	crossing.Period = "2024-04"
	ids, err = svc.Observe(ctx, crossing)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestMarkReadIsIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, "file:notifier_read?mode=memory&cache=shared")
	ctx := context.Background()
	tenantID := svc.genID.Generate()

	ids, err := svc.Observe(ctx, notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "bots",
		Period:     "lifetime",
		Limit:      1,
		NewCount:   1,
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	id, err := snowflake.ParseString(ids[0])
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(ctx, tenantID, id))
	require.NoError(t, svc.MarkRead(ctx, tenantID, id))

	err = svc.MarkRead(ctx, svc.genID.Generate(), id)
	assert.ErrorIs(t, err, notifdomain.ErrNotificationNotFound)
}

func TestListUnreadExcludesRead(t *testing.T) {
	svc, _, _ := newTestService(t, "file:notifier_list?mode=memory&cache=shared")
	ctx := context.Background()
	tenantID := svc.genID.Generate()

	ids, err := svc.Observe(ctx, notifdomain.Crossing{
		TenantID:   tenantID,
		MetricType: "searches",
		Period:     "2024-05",
		Limit:      10,
		NewCount:   10,
	})
	require.NoError(t, err)
	require.Len(t, ids, 3)

	id, err := snowflake.ParseString(ids[0])
	require.NoError(t, err)
	require.NoError(t, svc.MarkRead(ctx, tenantID, id))

	rows, info, err := svc.ListUnread(ctx, tenantID, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
	assert.False(t, info.HasMore)
}
