package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openRawSQLite(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func TestPool_Apply(t *testing.T) {
	db := openRawSQLite(t)

	require.NoError(t, Pool{MaxOpen: 3, MaxIdle: 2, MaxLifetime: 7 * time.Minute}.Apply(db))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 3, sqlDB.Stats().MaxOpenConnections)
}

func TestPool_ZeroValueUsesDefaults(t *testing.T) {
	p := Pool{}.withDefaults()
	assert.Equal(t, DefaultPool().MaxOpen, p.MaxOpen)
	assert.Equal(t, DefaultPool().MaxIdle, p.MaxIdle)

	p = Pool{MaxOpen: 2, MaxIdle: 10}.withDefaults()
	assert.Equal(t, 2, p.MaxIdle, "idle connections never exceed open ones")
}

func TestOpen_InMemorySQLiteUsesOneConnection(t *testing.T) {
	db, err := Open(DriverSQLite, "", Pool{MaxOpen: 16})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestOpen_FileSQLiteUsesConfiguredPool(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "archive.db")
	db, err := Open(DriverSQLite, dsn, Pool{MaxOpen: 5, MaxIdle: 2})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	assert.Equal(t, 5, sqlDB.Stats().MaxOpenConnections)
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", DefaultPool())
	assert.Error(t, err)
}

func TestOpen_PostgresNeedsDSN(t *testing.T) {
	_, err := Open(DriverPostgres, "", DefaultPool())
	assert.Error(t, err)
}
