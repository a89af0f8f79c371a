package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"optcollect/internal/store"
	"optcollect/internal/store/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), Options{ReadPoolSize: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedContract(t *testing.T, s *Store, key, instrument string, expiry time.Time) {
	t.Helper()
	require.NoError(t, s.UpsertContracts(context.Background(), []store.ContractRecord{{
		ExpiredKey:    key,
		InstrumentKey: instrument,
		Symbol:        key,
		ExpiryDate:    expiry,
		Kind:          "CE",
		Strike:        21000,
	}}))
}

func TestMigrationsApplyExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path, Options{})
	require.NoError(t, err)

	var count int64
	require.NoError(t, s.db.Model(&model.SchemaVersionModel{}).Count(&count).Error)
	assert.Equal(t, int64(len(migrations)), count)
	require.NoError(t, s.Close())

	// Reopening re-runs nothing.
	s2, err := Open(path, Options{})
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.db.Model(&model.SchemaVersionModel{}).Count(&count).Error)
	assert.Equal(t, int64(len(migrations)), count)
}

func TestFailedMigrationIsRetriedAndRecordedOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	broken := []migration{{100, "add_notes_column", func(tx *gorm.DB) error {
		return fmt.Errorf("boom")
	}}}
	require.Error(t, s.runMigrations(ctx, broken))

	var count int64
	require.NoError(t, s.db.Model(&model.SchemaVersionModel{}).Where("ordinal = ?", 100).Count(&count).Error)
	assert.Zero(t, count, "failed migration must not be recorded")

	fixed := []migration{{100, "add_notes_column", func(tx *gorm.DB) error {
		return tx.Exec("ALTER TABLE instruments ADD COLUMN notes TEXT NOT NULL DEFAULT ''").Error
	}}}
	require.NoError(t, s.runMigrations(ctx, fixed))
	require.NoError(t, s.runMigrations(ctx, fixed)) // second startup: no-op

	require.NoError(t, s.db.Model(&model.SchemaVersionModel{}).Where("ordinal = ?", 100).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestCandleUpsertIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	seedContract(t, s, "NSE_FO|12345", "NSE_INDEX|Nifty 50", expiry)

	rows := []store.CandleRecord{
		{ContractKey: "NSE_FO|12345", Timestamp: expiry.Add(-24 * time.Hour), Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100, OpenInterest: 10},
		{ContractKey: "NSE_FO|12345", Timestamp: expiry, Open: 1.5, High: 3, Low: 1, Close: 2, Volume: 200, OpenInterest: 20},
	}
	_, err := s.UpsertCandles(ctx, rows)
	require.NoError(t, err)
	n, err := s.TotalCandleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// Overlapping re-run changes nothing.
	_, err = s.UpsertCandles(ctx, rows)
	require.NoError(t, err)
	n, err = s.TotalCandleCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	per, err := s.CandleCount(ctx, "NSE_FO|12345")
	require.NoError(t, err)
	assert.Equal(t, int64(2), per)
}

func TestContractFlagLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	instrument := "NSE_INDEX|Nifty 50"
	seedContract(t, s, "c1", instrument, expiry)
	seedContract(t, s, "c2", instrument, expiry)

	pending, err := s.PendingContracts(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkContractFetched(ctx, "c1", false))
	require.NoError(t, s.MarkContractFetched(ctx, "c2", true)) // confirmed empty

	pending, err = s.PendingContracts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	fetched, err := s.FetchedContractKeys(ctx, instrument, expiry)
	require.NoError(t, err)
	assert.True(t, fetched["c1"])
	assert.True(t, fetched["c2"], "no_data implies data_fetched")

	var c2 model.ContractModel
	require.NoError(t, s.db.First(&c2, "expired_key = ?", "c2").Error)
	assert.True(t, c2.NoData)
	assert.True(t, c2.DataFetched)
	assert.Equal(t, 1, c2.FetchAttempts)

	// Rediscovery must not clobber the flags.
	seedContract(t, s, "c1", instrument, expiry)
	fetched, err = s.FetchedContractKeys(ctx, instrument, expiry)
	require.NoError(t, err)
	assert.True(t, fetched["c1"])

	// The explicit reset is the only path back to pending.
	n, err := s.ResetContractsForRefetch(ctx, instrument, expiry)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	pending, err = s.PendingContracts(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, rec := range pending {
		assert.False(t, rec.DataFetched)
		assert.False(t, rec.NoData)
	}
}

func TestMarkUnknownContractFails(t *testing.T) {
	s := newTestStore(t)
	assert.Error(t, s.MarkContractFetched(context.Background(), "missing", false))
	assert.Error(t, s.RecordFetchFailure(context.Background(), "missing"))
}

func TestRecordFetchFailureCountsAttemptsOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	seedContract(t, s, "c1", "inst", expiry)

	require.NoError(t, s.RecordFetchFailure(ctx, "c1"))
	require.NoError(t, s.RecordFetchFailure(ctx, "c1"))

	var rec model.ContractModel
	require.NoError(t, s.db.First(&rec, "expired_key = ?", "c1").Error)
	assert.Equal(t, 2, rec.FetchAttempts)
	assert.False(t, rec.DataFetched, "a failed attempt leaves the contract pending")
	assert.False(t, rec.NoData)

	// A later success keeps counting on top of the failures.
	require.NoError(t, s.MarkContractFetched(ctx, "c1", false))
	require.NoError(t, s.db.First(&rec, "expired_key = ?", "c1").Error)
	assert.Equal(t, 3, rec.FetchAttempts)
	assert.True(t, rec.DataFetched)
}

func TestInstrumentIsImmutableAfterCreation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.UpsertInstrument(ctx, store.Instrument{Key: "k", Symbol: "Nifty 50", Exchange: "NSE"}))
	require.NoError(t, s.UpsertInstrument(ctx, store.Instrument{Key: "k", Symbol: "renamed"}))

	instruments, err := s.Instruments(ctx)
	require.NoError(t, err)
	require.Len(t, instruments, 1)
	assert.Equal(t, "Nifty 50", instruments[0].Symbol)
}

func TestExpiryFlagFlipsOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertExpiries(ctx, "k", []time.Time{expiry}))
	require.NoError(t, s.MarkExpiryContractsFetched(ctx, "k", expiry))

	// Rediscovery does not revert the flag.
	require.NoError(t, s.UpsertExpiries(ctx, "k", []time.Time{expiry}))
	var rec model.ExpiryModel
	require.NoError(t, s.db.First(&rec, "instrument_key = ? AND date = ?", "k", "2024-02-29").Error)
	assert.True(t, rec.ContractsFetched)
}

func TestPendingContractCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	expiry := time.Date(2024, 1, 25, 0, 0, 0, 0, time.UTC)
	seedContract(t, s, "a1", "inst-a", expiry)
	seedContract(t, s, "a2", "inst-a", expiry)
	seedContract(t, s, "b1", "inst-b", expiry)
	require.NoError(t, s.MarkContractFetched(ctx, "a2", false))

	counts, err := s.PendingContractCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"inst-a": 1, "inst-b": 1}, counts)
}

func TestSaveTaskUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	rec := store.TaskRecord{
		ID: "t1", Status: "RUNNING", Progress: []byte(`{"x":1}`),
		CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}
	require.NoError(t, s.SaveTask(ctx, rec))
	rec.Status = "COMPLETED"
	rec.Candles = 42
	require.NoError(t, s.SaveTask(ctx, rec))

	var row model.CollectionTaskModel
	require.NoError(t, s.db.First(&row, "id = ?", "t1").Error)
	assert.Equal(t, "COMPLETED", row.Status)
	assert.Equal(t, int64(42), row.Candles)
}
