package storage

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Pool sizes the archive's database/sql connection pool.
type Pool struct {
	MaxOpen     int
	MaxIdle     int
	MaxLifetime time.Duration // zero keeps connections forever
	MaxIdleTime time.Duration // zero keeps idle connections forever
}

// DefaultPool is used when the configuration does not size the pool.
// The archive sees one write per terminal job plus the periodic stats flush.
func DefaultPool() Pool {
	return Pool{MaxOpen: 8, MaxIdle: 4, MaxLifetime: 5 * time.Minute, MaxIdleTime: time.Minute}
}

// memoryPool pins an in-memory SQLite database to one connection; every
// new connection would otherwise see an empty database.
var memoryPool = Pool{MaxOpen: 1, MaxIdle: 1}

func (p Pool) withDefaults() Pool {
	def := DefaultPool()
	if p.MaxOpen <= 0 {
		p.MaxOpen = def.MaxOpen
	}
	if p.MaxIdle <= 0 || p.MaxIdle > p.MaxOpen {
		p.MaxIdle = min(def.MaxIdle, p.MaxOpen)
	}
	return p
}

// Apply sizes db's pool. Unset connection counts fall back to DefaultPool.
func (p Pool) Apply(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("storage: pool: %w", err)
	}
	p = p.withDefaults()
	sqlDB.SetMaxOpenConns(p.MaxOpen)
	sqlDB.SetMaxIdleConns(p.MaxIdle)
	sqlDB.SetConnMaxLifetime(p.MaxLifetime)
	sqlDB.SetConnMaxIdleTime(p.MaxIdleTime)
	return nil
}
