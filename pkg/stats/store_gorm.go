package stats

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// GormStore implements Store using GORM.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore creates a GORM-backed stats store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) MigrateStats(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&JobStat{})
}

func (s *GormStore) bucket(ctx context.Context, kind string, ts time.Time) (*JobStat, bool, error) {
	var existing JobStat
	err := s.db.WithContext(ctx).
		Where("kind = ? AND timestamp = ?", kind, ts).
		First(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &existing, true, nil
}

func (s *GormStore) UpsertCounters(ctx context.Context, kind string, ts time.Time, c Counters) error {
	ts = ts.Truncate(time.Minute)

	existing, ok, err := s.bucket(ctx, kind, ts)
	if err != nil {
		return err
	}
	if !ok {
		return s.db.WithContext(ctx).Create(&JobStat{
			Kind:      kind,
			Timestamp: ts,
			Succeeded: c.Succeeded,
			Failed:    c.Failed,
			Cancelled: c.Cancelled,
			TimedOut:  c.TimedOut,
			Retried:   c.Retried,
		}).Error
	}

	return s.db.WithContext(ctx).Model(existing).Updates(map[string]any{
		"succeeded": gorm.Expr("succeeded + ?", c.Succeeded),
		"failed":    gorm.Expr("failed + ?", c.Failed),
		"cancelled": gorm.Expr("cancelled + ?", c.Cancelled),
		"timed_out": gorm.Expr("timed_out + ?", c.TimedOut),
		"retried":   gorm.Expr("retried + ?", c.Retried),
	}).Error
}

func (s *GormStore) SnapshotDepth(ctx context.Context, kind string, ts time.Time, queued, running int64) error {
	ts = ts.Truncate(time.Minute)

	existing, ok, err := s.bucket(ctx, kind, ts)
	if err != nil {
		return err
	}
	if !ok {
		return s.db.WithContext(ctx).Create(&JobStat{
			Kind:      kind,
			Timestamp: ts,
			Queued:    queued,
			Running:   running,
		}).Error
	}

	return s.db.WithContext(ctx).Model(existing).Updates(map[string]any{
		"queued":  queued,
		"running": running,
	}).Error
}

func (s *GormStore) History(ctx context.Context, kind string, since, until time.Time) ([]JobStat, error) {
	var rows []JobStat
	q := s.db.WithContext(ctx).Order("timestamp ASC, kind ASC")

	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if !since.IsZero() {
		q = q.Where("timestamp >= ?", since)
	}
	if !until.IsZero() {
		q = q.Where("timestamp <= ?", until)
	}

	return rows, q.Find(&rows).Error
}

func (s *GormStore) PruneStats(ctx context.Context, before time.Time) (int64, error) {
	result := s.db.WithContext(ctx).Where("timestamp < ?", before).Delete(&JobStat{})
	return result.RowsAffected, result.Error
}
