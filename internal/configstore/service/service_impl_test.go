package service

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/craftpage/metering/internal/config"
	csdomain "github.com/craftpage/metering/internal/configstore/domain"
	"github.com/craftpage/metering/internal/configstore/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T, dsn string) (*Service, *gorm.DB) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&csdomain.Entry{}, &csdomain.ChangeRecord{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc := New(Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Repo:     repository.Provide(),
		Platform: config.NewStaticPlatformConfigHolder(config.DefaultPlatformConfig()),
	}).(*Service)
	return svc, db
}

func TestSetBumpsVersionSequentially(t *testing.T) {
	svc, _ := newTestService(t, "file:cs_versions?mode=memory&cache=shared")
	ctx := context.Background()

	for i, dim := range []int{1536, 768, 512} {
		entry, err := svc.Set(ctx, csdomain.KeyVectorDimension, dim, "test")
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), entry.Version)
	}

	changes, err := svc.Changes(ctx, csdomain.KeyVectorDimension)
	require.NoError(t, err)
	require.Len(t, changes, 3)

	// Newest first, one record per version, no gaps.
	assert.Equal(t, int64(3), changes[0].Version)
	assert.Equal(t, int64(2), changes[1].Version)
	assert.Equal(t, int64(1), changes[2].Version)
	assert.JSONEq(t, "768", string(changes[0].OldValue))
	assert.JSONEq(t, "512", string(changes[0].NewValue))
	assert.Nil(t, changes[2].OldValue)
}

func TestSetRejectedLeavesStoreUntouched(t *testing.T) {
	svc, _ := newTestService(t, "file:cs_reject?mode=memory&cache=shared")
	ctx := context.Background()

	_, err := svc.Set(ctx, csdomain.KeyVectorDimension, 1536, "test")
	require.NoError(t, err)

	for _, bad := range []any{20, 8192, "wide", 1.5} {
		_, err := svc.Set(ctx, csdomain.KeyVectorDimension, bad, "test")
		assert.ErrorIs(t, err, csdomain.ErrInvalidValue)
	}

	// Neither the entry nor the audit trail moved.
	entry, err := svc.Get(ctx, csdomain.KeyVectorDimension)
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)
	assert.JSONEq(t, "1536", string(entry.Value))

	changes, err := svc.Changes(ctx, csdomain.KeyVectorDimension)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestSetRejectsBrokenThresholdLadders(t *testing.T) {
	svc, _ := newTestService(t, "file:cs_ladder?mode=memory&cache=shared")
	ctx := context.Background()

	for _, bad := range []any{
		[]int{},
		[]int{90, 80},
		[]int{80, 80},
		[]int{0, 50},
		[]int{50, 101},
	} {
		_, err := svc.Set(ctx, csdomain.KeyQuotaThresholds, bad, "test")
		assert.ErrorIs(t, err, csdomain.ErrInvalidValue)
	}

	entry, err := svc.Set(ctx, csdomain.KeyQuotaThresholds, []int{50, 80, 90, 100}, "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)

	ladder, err := svc.GetIntSlice(ctx, csdomain.KeyQuotaThresholds)
	require.NoError(t, err)
	assert.Equal(t, []int{50, 80, 90, 100}, ladder)
}

func TestGetFallsBackToPlatformDefaults(t *testing.T) {
	svc, _ := newTestService(t, "file:cs_defaults?mode=memory&cache=shared")
	ctx := context.Background()

	// No row stored yet; the file-level default answers.
	dim, err := svc.GetInt(ctx, csdomain.KeyVectorDimension)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPlatformConfig().VectorDimension, dim)

	_, err = svc.Get(ctx, "no.such.key")
	assert.ErrorIs(t, err, csdomain.ErrKeyNotFound)
}
