// Package store defines the persistence contract for instruments,
// expiries, contracts and candles. Writes go through a single-writer
// discipline; reads run on a separate read-only pool so dashboards can
// query during an active collection.
package store

import (
	"context"
	"time"
)

// Instrument is one underlying (e.g. an index). Immutable after creation.
type Instrument struct {
	Key      string
	Symbol   string
	Exchange string
	Segment  string
}

// ContractRecord is the durable form of one expired contract with its
// collection control flags.
type ContractRecord struct {
	ExpiredKey    string
	InstrumentKey string
	Symbol        string
	ExpiryDate    time.Time
	Kind          string
	Strike        float64
	DataFetched   bool
	NoData        bool
	FetchAttempts int
}

// CandleRecord is one persisted OHLCV(+OI) row.
type CandleRecord struct {
	ContractKey  string
	Timestamp    time.Time
	Open         float64
	High         float64
	Low          float64
	Close        float64
	Volume       int64
	OpenInterest int64
}

// TaskRecord mirrors an in-memory collection task for crash visibility.
// The orchestrator owns the live state; this row is best-effort.
type TaskRecord struct {
	ID        string
	Status    string
	Progress  []byte // JSON snapshot of per-instrument progress
	Expiries  int64
	Contracts int64
	Candles   int64
	Errors    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Writer is the exclusive-write side of the store.
type Writer interface {
	UpsertInstrument(ctx context.Context, inst Instrument) error
	UpsertExpiries(ctx context.Context, instrumentKey string, dates []time.Time) error
	MarkExpiryContractsFetched(ctx context.Context, instrumentKey string, date time.Time) error

	UpsertContracts(ctx context.Context, contracts []ContractRecord) error
	MarkContractFetched(ctx context.Context, expiredKey string, noData bool) error
	RecordFetchFailure(ctx context.Context, expiredKey string) error
	ResetContractsForRefetch(ctx context.Context, instrumentKey string, expiry time.Time) (int64, error)

	UpsertCandles(ctx context.Context, candles []CandleRecord) (int64, error)

	SaveTask(ctx context.Context, rec TaskRecord) error
}

// Reader is the pooled read-only side of the store.
type Reader interface {
	FetchedContractKeys(ctx context.Context, instrumentKey string, expiry time.Time) (map[string]bool, error)
	PendingContracts(ctx context.Context) ([]ContractRecord, error)
	PendingContractCounts(ctx context.Context) (map[string]int64, error)
	CandleCount(ctx context.Context, contractKey string) (int64, error)
	TotalCandleCount(ctx context.Context) (int64, error)
	Instruments(ctx context.Context) ([]Instrument, error)
}

// Store is the full persistence surface used by the orchestrator and the
// HTTP layer.
type Store interface {
	Writer
	Reader
	Close() error
}
