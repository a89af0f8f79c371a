package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"optcollect/internal/store"
	"optcollect/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// UpsertContracts inserts newly discovered contracts. Conflicts are
// ignored so rediscovery never clobbers control flags.
func (s *Store) UpsertContracts(ctx context.Context, contracts []store.ContractRecord) error {
	if len(contracts) == 0 {
		return nil
	}
	rows := make([]model.ContractModel, 0, len(contracts))
	for _, c := range contracts {
		if strings.TrimSpace(c.ExpiredKey) == "" {
			return fmt.Errorf("sqlite: contract with empty expired_key")
		}
		rows = append(rows, model.ContractModel{
			ExpiredKey:    c.ExpiredKey,
			InstrumentKey: c.InstrumentKey,
			Symbol:        c.Symbol,
			ExpiryDate:    c.ExpiryDate.Format(dateLayout),
			Kind:          c.Kind,
			Strike:        c.Strike,
		})
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&rows, 200).Error
	})
}

// MarkContractFetched sets data_fetched (and no_data when the upstream
// confirmed the contract is empty) and bumps the attempt counter.
// no_data implies data_fetched, so unbounded retries cannot happen.
func (s *Store) MarkContractFetched(ctx context.Context, expiredKey string, noData bool) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		updates := map[string]any{
			"data_fetched":   true,
			"no_data":        noData,
			"fetch_attempts": gorm.Expr("fetch_attempts + 1"),
		}
		res := tx.Model(&model.ContractModel{}).
			Where("expired_key = ?", expiredKey).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sqlite: unknown contract %s", expiredKey)
		}
		return nil
	})
}

// RecordFetchFailure bumps the attempt counter for a failed fetch without
// touching the control flags, so retry pressure stays visible per contract.
func (s *Store) RecordFetchFailure(ctx context.Context, expiredKey string) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&model.ContractModel{}).
			Where("expired_key = ?", expiredKey).
			Update("fetch_attempts", gorm.Expr("fetch_attempts + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sqlite: unknown contract %s", expiredKey)
		}
		return nil
	})
}

// ResetContractsForRefetch clears both flags for one (instrument, expiry)
// so an operator can force a refetch. Returns the number of reset rows.
func (s *Store) ResetContractsForRefetch(ctx context.Context, instrumentKey string, expiry time.Time) (int64, error) {
	var affected int64
	err := s.write(ctx, func(tx *gorm.DB) error {
		res := tx.Model(&model.ContractModel{}).
			Where("instrument_key = ? AND expiry_date = ?", instrumentKey, expiry.Format(dateLayout)).
			Updates(map[string]any{"data_fetched": false, "no_data": false})
		affected = res.RowsAffected
		return res.Error
	})
	return affected, err
}

// FetchedContractKeys is the bulk membership check used to skip contracts
// that are already done, without a per-contract query.
func (s *Store) FetchedContractKeys(ctx context.Context, instrumentKey string, expiry time.Time) (map[string]bool, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT expired_key FROM contracts
		 WHERE instrument_key = ? AND expiry_date = ? AND data_fetched = 1`,
		instrumentKey, expiry.Format(dateLayout))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]bool)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		out[key] = true
	}
	return out, rows.Err()
}

// PendingContracts returns every contract with data_fetched = 0, the
// working set of the resume entry point.
func (s *Store) PendingContracts(ctx context.Context) ([]store.ContractRecord, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT expired_key, instrument_key, symbol, expiry_date, kind, strike,
		        data_fetched, no_data, fetch_attempts
		 FROM contracts WHERE data_fetched = 0
		 ORDER BY instrument_key, expiry_date, expired_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.ContractRecord
	for rows.Next() {
		var rec store.ContractRecord
		var expiry string
		if err := rows.Scan(&rec.ExpiredKey, &rec.InstrumentKey, &rec.Symbol, &expiry,
			&rec.Kind, &rec.Strike, &rec.DataFetched, &rec.NoData, &rec.FetchAttempts); err != nil {
			return nil, err
		}
		d, err := time.Parse(dateLayout, expiry)
		if err != nil {
			return nil, fmt.Errorf("sqlite: contract %s has invalid expiry_date %q", rec.ExpiredKey, expiry)
		}
		rec.ExpiryDate = d
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PendingContractCounts aggregates pending contracts per instrument for
// the dashboard stats endpoint.
func (s *Store) PendingContractCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT instrument_key, COUNT(*) FROM contracts
		 WHERE data_fetched = 0 GROUP BY instrument_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int64)
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		out[key] = n
	}
	return out, rows.Err()
}
