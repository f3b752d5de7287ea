// Package storage provides the GORM-backed archive for terminal job records
// and monitor samples.
//
// SQLite and PostgreSQL are supported through Open:
//
//	db, err := storage.Open("sqlite", "file:jobs.db?_pragma=busy_timeout(5000)", storage.DefaultPool())
//	archive := storage.NewGormArchive(db)
//	err = archive.Migrate(ctx)
//
// The archive is optional. The core keeps in-flight jobs in memory only.
package storage
