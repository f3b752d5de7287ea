package storage

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// openTestDB opens a database for tests.
// When TEST_DATABASE_URL is set it connects to PostgreSQL; otherwise it
// opens a fresh in-memory SQLite instance.
// PostgreSQL connections are pool-limited and cleaned up after each test to
// avoid exceeding max_connections.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	if dsn := os.Getenv("TEST_DATABASE_URL"); dsn != "" {
		db, err := Open(DriverPostgres, dsn, Pool{MaxOpen: 2, MaxIdle: 1})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")

		// Clean before AND after to ensure test isolation.
		cleanupPostgresDB(db)
		t.Cleanup(func() {
			cleanupPostgresDB(db)
			_ = sqlDB.Close()
		})
		return db
	}
	db, err := Open(DriverSQLite, ":memory:", DefaultPool())
	require.NoError(t, err, "open in-memory sqlite")
	return db
}

// cleanupPostgresDB deletes all rows so tests are isolated without a fresh
// database per test.
func cleanupPostgresDB(db *gorm.DB) {
	for _, tbl := range []string{"metric_samples", "jobs"} {
		db.Exec("DELETE FROM " + tbl)
	}
}

// newTestArchive returns a migrated archive.
func newTestArchive(t *testing.T) *GormArchive {
	t.Helper()
	a := NewGormArchive(openTestDB(t))
	require.NoError(t, a.Migrate(context.Background()), "migrate schema")
	return a
}
