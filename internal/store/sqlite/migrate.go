package sqlite

import (
	"context"
	"fmt"
	"time"

	"optcollect/internal/logger"
	"optcollect/internal/store/model"

	"gorm.io/gorm"
)

// migration is one ordered, idempotent schema step. Steps must be written
// check-before-alter: a step that failed half-way will be retried verbatim
// on the next startup.
type migration struct {
	ordinal int
	name    string
	run     func(tx *gorm.DB) error
}

var migrations = []migration{
	{1, "create_instruments", func(tx *gorm.DB) error {
		return tx.Exec(`CREATE TABLE IF NOT EXISTS instruments (
			key TEXT PRIMARY KEY,
			symbol TEXT NOT NULL DEFAULT '',
			exchange TEXT NOT NULL DEFAULT '',
			segment TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0
		)`).Error
	}},
	{2, "create_expiries", func(tx *gorm.DB) error {
		return tx.Exec(`CREATE TABLE IF NOT EXISTS expiries (
			instrument_key TEXT NOT NULL,
			date TEXT NOT NULL,
			contracts_fetched INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (instrument_key, date)
		)`).Error
	}},
	{3, "create_contracts", func(tx *gorm.DB) error {
		if err := tx.Exec(`CREATE TABLE IF NOT EXISTS contracts (
			expired_key TEXT PRIMARY KEY,
			instrument_key TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			expiry_date TEXT NOT NULL,
			kind TEXT NOT NULL,
			strike REAL NOT NULL DEFAULT 0,
			data_fetched INTEGER NOT NULL DEFAULT 0,
			no_data INTEGER NOT NULL DEFAULT 0,
			fetch_attempts INTEGER NOT NULL DEFAULT 0
		)`).Error; err != nil {
			return err
		}
		if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_contracts_instrument
			ON contracts (instrument_key, expiry_date)`).Error; err != nil {
			return err
		}
		return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_contracts_pending
			ON contracts (data_fetched)`).Error
	}},
	{4, "create_candles", func(tx *gorm.DB) error {
		return tx.Exec(`CREATE TABLE IF NOT EXISTS candles (
			contract_key TEXT NOT NULL,
			ts INTEGER NOT NULL,
			open REAL NOT NULL DEFAULT 0,
			high REAL NOT NULL DEFAULT 0,
			low REAL NOT NULL DEFAULT 0,
			close REAL NOT NULL DEFAULT 0,
			volume INTEGER NOT NULL DEFAULT 0,
			oi INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (contract_key, ts)
		)`).Error
	}},
	{5, "create_collection_tasks", func(tx *gorm.DB) error {
		return tx.Exec(`CREATE TABLE IF NOT EXISTS collection_tasks (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			progress_json TEXT NOT NULL DEFAULT '{}',
			expiries INTEGER NOT NULL DEFAULT 0,
			contracts INTEGER NOT NULL DEFAULT 0,
			candles INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`).Error
	}},
}

// migrate applies every unapplied step in ordinal order, inside the write
// lock, each in its own transaction. A failing step aborts startup without
// being recorded, so it re-runs on the next start.
func (s *Store) migrate(ctx context.Context) error {
	return s.runMigrations(ctx, migrations)
}

func (s *Store) runMigrations(ctx context.Context, steps []migration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	db := s.db.WithContext(ctx)
	if err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		ordinal INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`).Error; err != nil {
		return fmt.Errorf("sqlite: bootstrap schema_version failed: %w", err)
	}

	var applied []model.SchemaVersionModel
	if err := db.Order("ordinal").Find(&applied).Error; err != nil {
		return fmt.Errorf("sqlite: reading schema_version failed: %w", err)
	}
	appliedSet := make(map[int]bool, len(applied))
	for _, rec := range applied {
		appliedSet[rec.Ordinal] = true
	}

	for _, m := range steps {
		if appliedSet[m.ordinal] {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.run(tx); err != nil {
				return err
			}
			return tx.Create(&model.SchemaVersionModel{
				Ordinal:       m.ordinal,
				Name:          m.name,
				AppliedAtUnix: time.Now().Unix(),
			}).Error
		})
		if err != nil {
			return fmt.Errorf("sqlite: migration %d (%s) failed: %w", m.ordinal, m.name, err)
		}
		logger.Infof("sqlite: applied migration %d (%s)", m.ordinal, m.name)
	}
	return nil
}
