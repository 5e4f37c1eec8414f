package rls

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSessionSettingsAreNoOpsOffPostgres(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:rls_noop?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	assert.False(t, IsPostgres(db))
	assert.False(t, IsPostgres(nil))

	// SET LOCAL is postgres syntax; other engines must not see it.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		if err := WithTenant(tx, snowflake.ID(42)); err != nil {
			return err
		}
		return WithAdminOverride(tx)
	}))
}
