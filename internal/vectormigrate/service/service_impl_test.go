package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	apsvc "github.com/craftpage/metering/internal/accesspolicy/service"
	"github.com/craftpage/metering/internal/clock"
	"github.com/craftpage/metering/internal/config"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	partitiondomain "github.com/craftpage/metering/internal/partition/domain"
	partitionrepo "github.com/craftpage/metering/internal/partition/repository"
	partitionsvc "github.com/craftpage/metering/internal/partition/service"
	sedomain "github.com/craftpage/metering/internal/sysevent/domain"
	tenantrepo "github.com/craftpage/metering/internal/tenant/repository"
	tenantsvc "github.com/craftpage/metering/internal/tenant/service"
	vmdomain "github.com/craftpage/metering/internal/vectormigrate/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// -- Stubs --

type configStub struct {
	mu  sync.Mutex
	dim int
	set []int
}

func (c *configStub) Get(context.Context, string) (*csdomain.Entry, error) { return nil, nil }
func (c *configStub) Set(_ context.Context, key string, value any, _ string) (*csdomain.Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == csdomain.KeyVectorDimension {
		c.dim = value.(int)
		c.set = append(c.set, c.dim)
	}
	return nil, nil
}
func (c *configStub) List(context.Context) ([]csdomain.Entry, error) { return nil, nil }
func (c *configStub) Changes(context.Context, string) ([]csdomain.ChangeRecord, error) {
	return nil, nil
}
func (c *configStub) GetInt(_ context.Context, key string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == csdomain.KeyVectorDimension {
		return c.dim, nil
	}
	return 0, nil
}
func (c *configStub) GetIntOr(_ context.Context, _ string, def int) int  { return def }
func (c *configStub) GetString(context.Context, string) (string, error)  { return "", nil }
func (c *configStub) GetBool(context.Context, string) (bool, error)      { return false, nil }
func (c *configStub) GetIntSlice(context.Context, string) ([]int, error) { return nil, nil }

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

type fixture struct {
	svc  *Service
	cfg  *configStub
	sink *eventSink
}

func newFixture(t *testing.T, dsn string) *fixture {
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
	partitions := partitionsvc.New(partitionsvc.Params{
		DB:       db,
		Log:      log,
		GenID:    node,
		Clock:    clock.NewSystemClock(),
		Platform: config.NewStaticPlatformConfigHolder(config.DefaultPlatformConfig()),
		Repo:     partitionrepo.Provide(),
		Policies: policies,
		Events:   sink,
	})

	// Horizon 2 registers three monthly partitions.
	_, err = partitions.Ensure(context.Background(), vmdomain.EmbeddingTable,
		time.Date(2024, time.April, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	cfg := &configStub{dim: 1536}
	svc := New(Params{
		DB:         db,
		Log:        log,
		Clock:      clock.NewSystemClock(),
		Partitions: partitions,
		Policies:   policies,
		Config:     cfg,
		Events:     sink,
	}).(*Service)
	return &fixture{svc: svc, cfg: cfg, sink: sink}
}

// -- Tests --

func TestRunMigratesEveryPartition(t *testing.T) {
	f := newFixture(t, "file:vm_full?mode=memory&cache=shared")

	report, err := f.svc.Run(context.Background(), 768)
	require.NoError(t, err)

	assert.Equal(t, vmdomain.StateDone, report.State)
	assert.Equal(t, 1536, report.FromDim)
	assert.Equal(t, 768, report.ToDim)
	assert.Len(t, report.Migrated, 3)
	assert.Empty(t, report.Failed)
	assert.NotEmpty(t, report.RunID)

	// The stored dimension advanced exactly once.
	assert.Equal(t, []int{768}, f.cfg.set)

	state, last := f.svc.Status(context.Background())
	assert.Equal(t, vmdomain.StateIdle, state)
	assert.Equal(t, report.RunID, last.RunID)
}

func TestRunPartialFailureKeepsOldDimension(t *testing.T) {
	f := newFixture(t, "file:vm_partial?mode=memory&cache=shared")

	f.svc.migrateObject = func(_ context.Context, _ *gorm.DB, partition string, _ int) error {
		if partition == "embeddings_y2024m05" {
			return errors.New("disk full")
		}
		return nil
	}

	report, err := f.svc.Run(context.Background(), 768)
	require.NoError(t, err)

	assert.Equal(t, vmdomain.StatePartiallyFailed, report.State)
	assert.Len(t, report.Migrated, 2)
	assert.Equal(t, "disk full", report.Failed["embeddings_y2024m05"])

	// A partial run never advances the stored dimension.
	assert.Empty(t, f.cfg.set)

	f.sink.mu.Lock()
	defer f.sink.mu.Unlock()
	var found bool
	for _, e := range f.sink.events {
		if e.Kind == sedomain.KindMigrationReport {
			found = true
			assert.Equal(t, sedomain.SeverityWarning, e.Severity)
		}
	}
	assert.True(t, found)
}

func TestRunParentFailureSkipsPartitions(t *testing.T) {
	f := newFixture(t, "file:vm_parent?mode=memory&cache=shared")

	f.svc.migrateParent = func(context.Context, int) error {
		return errors.New("cannot alter inherited column")
	}
	var attempted []string
	f.svc.migrateObject = func(_ context.Context, _ *gorm.DB, partition string, _ int) error {
		attempted = append(attempted, partition)
		return nil
	}

	report, err := f.svc.Run(context.Background(), 768)
	require.NoError(t, err)

	// The parent carries the column definition every partition inherits,
	// so nothing per-partition runs once retyping it fails.
	assert.Equal(t, vmdomain.StatePartiallyFailed, report.State)
	assert.Equal(t, "cannot alter inherited column", report.Failed[vmdomain.EmbeddingTable])
	assert.Empty(t, attempted)
	assert.Empty(t, report.Migrated)
	assert.Empty(t, f.cfg.set)
}

func TestRunRejectsInvalidDimension(t *testing.T) {
	f := newFixture(t, "file:vm_dim?mode=memory&cache=shared")

	_, err := f.svc.Run(context.Background(), 32)
	assert.ErrorIs(t, err, vmdomain.ErrInvalidDimension)

	_, err = f.svc.Run(context.Background(), 8192)
	assert.ErrorIs(t, err, vmdomain.ErrInvalidDimension)
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	f := newFixture(t, "file:vm_concurrent?mode=memory&cache=shared")

	started := make(chan struct{})
	release := make(chan struct{})
	f.svc.migrateObject = func(context.Context, *gorm.DB, string, int) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Run(context.Background(), 768)
		done <- err
	}()

	<-started
	_, err := f.svc.Run(context.Background(), 512)
	assert.ErrorIs(t, err, vmdomain.ErrMigrationInProgress)

	close(release)
	require.NoError(t, <-done)
}
