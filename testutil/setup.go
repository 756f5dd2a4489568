package testutil

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/opencompute/Kaetram-Open/cache"
	"github.com/opencompute/Kaetram-Open/config"
	dbadapter "github.com/opencompute/Kaetram-Open/db"
	"github.com/opencompute/Kaetram-Open/model"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// SetupTestDB opens a private in-memory SQLite database and runs AutoMigrate.
// Each call gets its own database, so tests may run in parallel; two stores
// built on the same *gorm.DB share state the way two shards share MySQL.
func SetupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := dbadapter.Open(config.DatabaseConfig{
		Mode:       dbadapter.ModeSQLite,
		SQLitePath: dsn,
	})
	require.NoError(t, err, "SetupTestDB: Open")
	require.NoError(t, model.AutoMigrate(db), "SetupTestDB: AutoMigrate")
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SetupTestCache creates LocalCache and LocalPubSub (no Redis required).
func SetupTestCache(t *testing.T) (cache.Cache, cache.PubSub) {
	t.Helper()
	cfg := cache.CacheConfig{} // empty RedisAddr → LocalCache
	c, err := cache.NewCache(cfg)
	require.NoError(t, err, "SetupTestCache: NewCache")
	t.Cleanup(func() { _ = c.Close() })
	ps, err := cache.NewPubSub(cfg)
	require.NoError(t, err, "SetupTestCache: NewPubSub")
	return c, ps
}

// CreatePlayer inserts a player row with sensible defaults for guild tests.
func CreatePlayer(t *testing.T, db *gorm.DB, username string, gold int64) *model.Player {
	t.Helper()
	p := &model.Player{
		Username:         username,
		PasswordHash:     "x",
		Gold:             gold,
		TutorialFinished: true,
		Status:           1,
	}
	require.NoError(t, db.Create(p).Error, "CreatePlayer")
	return p
}
