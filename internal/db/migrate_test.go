package db

import (
	"context"
	"testing"

	"collab-relay/internal/permission"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestMigrateAndSeed(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Discard})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	defer Close(conn)

	require.NoError(t, Migrate(conn))
	collaborators := map[string]string{"bob": "viewer", "carol": "editor"}
	require.NoError(t, SeedDemo(conn, "alice", "doc-1", collaborators))
	// seeding twice keeps one row per relation
	require.NoError(t, SeedDemo(conn, "alice", "doc-1", collaborators))

	var n int64
	require.NoError(t, conn.Model(&permission.DocumentCollaborator{}).Count(&n).Error)
	assert.EqualValues(t, 2, n)

	r := permission.NewDBResolver(conn)
	ctx := context.Background()
	for user, want := range map[string]permission.Level{
		"alice": permission.Admin,
		"bob":   permission.View,
		"carol": permission.Edit,
		"dave":  permission.None,
	} {
		res, err := r.Resolve(ctx, permission.Principal{UserID: user}, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, want, res.Level(), user)
	}
}
