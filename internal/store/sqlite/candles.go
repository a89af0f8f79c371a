package sqlite

import (
	"context"

	"optcollect/internal/store"
	"optcollect/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertCandles writes candle rows keyed by (contract_key, ts), replacing
// on conflict. Re-running an overlapping range is a no-op in effect, which
// is what makes resume idempotent. Returns the number of rows written.
func (s *Store) UpsertCandles(ctx context.Context, candles []store.CandleRecord) (int64, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	rows := make([]model.CandleModel, 0, len(candles))
	for _, c := range candles {
		rows = append(rows, model.CandleModel{
			ContractKey:  c.ContractKey,
			Timestamp:    c.Timestamp.Unix(),
			Open:         c.Open,
			High:         c.High,
			Low:          c.Low,
			Close:        c.Close,
			Volume:       c.Volume,
			OpenInterest: c.OpenInterest,
		})
	}
	var written int64
	err := s.write(ctx, func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(&rows, 500)
		written = res.RowsAffected
		return res.Error
	})
	return written, err
}

// CandleCount returns how many candles are stored for one contract.
func (s *Store) CandleCount(ctx context.Context, contractKey string) (int64, error) {
	var n int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM candles WHERE contract_key = ?`, contractKey).Scan(&n)
	return n, err
}

// TotalCandleCount returns the size of the whole candle table.
func (s *Store) TotalCandleCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM candles`).Scan(&n)
	return n, err
}
