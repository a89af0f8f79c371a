// Package sqlite implements store.Store on one SQLite file with an
// exclusive-write / pooled-read split. The write side is a single gorm
// connection guarded by a process-wide mutex; the read side is a small
// query-only database/sql pool that never contends with the write lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"optcollect/internal/store"

	sqlitedriver "gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	_ "modernc.org/sqlite"
)

const defaultReadPoolSize = 4

// Store is the SQLite-backed persistence layer.
type Store struct {
	writeMu sync.Mutex
	db      *gorm.DB
	readDB  *sql.DB
}

var _ store.Store = (*Store)(nil)

// Options tunes the store.
type Options struct {
	ReadPoolSize int
}

// Open opens (creating if needed) the database, runs unapplied migrations
// and prepares the read pool. A migration failure aborts without marking
// the step applied.
func Open(path string, opts Options) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite: database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlitedriver.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		// One writer, ever. SQLite has no native multi-writer support and
		// the migration/upsert discipline depends on exclusive access.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	}

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		closeQuietly(db)
		return nil, err
	}

	readDSN := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=query_only(1)", path)
	readDB, err := sql.Open("sqlite", readDSN)
	if err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("sqlite: opening read pool failed: %w", err)
	}
	poolSize := opts.ReadPoolSize
	if poolSize <= 0 {
		poolSize = defaultReadPoolSize
	}
	readDB.SetMaxOpenConns(poolSize)
	readDB.SetMaxIdleConns(poolSize)
	s.readDB = readDB
	return s, nil
}

// write runs fn inside the process-wide write lock and one transaction.
// The lock is released and the transaction committed or rolled back when
// fn returns, including on panic (gorm's Transaction recovers and rolls
// back before re-panicking).
func (s *Store) write(ctx context.Context, fn func(tx *gorm.DB) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.db.WithContext(ctx).Transaction(fn)
}

// Close shuts down both sides of the store.
func (s *Store) Close() error {
	var firstErr error
	if s.readDB != nil {
		if err := s.readDB.Close(); err != nil {
			firstErr = err
		}
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func closeQuietly(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
