package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Open connects to the archive database and sizes its pool.
// An in-memory SQLite DSN always gets a single connection so all queries
// share it.
func Open(driver, dsn string, pool Pool) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case DriverSQLite, "sqlite3":
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
		if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
			pool = memoryPool
		}
	case DriverPostgres, "postgresql", "pg":
		if dsn == "" {
			return nil, fmt.Errorf("storage: postgres requires a dsn")
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", driver, err)
	}
	if err := pool.Apply(db); err != nil {
		return nil, err
	}
	slog.Debug("archive database opened", "driver", dialector.Name(), "max_open_conns", pool.withDefaults().MaxOpen)
	return db, nil
}
