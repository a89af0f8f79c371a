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

const dateLayout = "2006-01-02"

// UpsertInstrument creates the instrument on first discovery. Existing
// rows are left untouched: instruments are immutable after creation.
func (s *Store) UpsertInstrument(ctx context.Context, inst store.Instrument) error {
	if strings.TrimSpace(inst.Key) == "" {
		return fmt.Errorf("sqlite: instrument key cannot be empty")
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		rec := model.InstrumentModel{
			Key:           inst.Key,
			Symbol:        inst.Symbol,
			Exchange:      inst.Exchange,
			Segment:       inst.Segment,
			CreatedAtUnix: time.Now().Unix(),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	})
}

// UpsertExpiries records discovered expiry dates. Rediscovery never
// clears an existing contracts_fetched flag.
func (s *Store) UpsertExpiries(ctx context.Context, instrumentKey string, dates []time.Time) error {
	if len(dates) == 0 {
		return nil
	}
	rows := make([]model.ExpiryModel, 0, len(dates))
	for _, d := range dates {
		rows = append(rows, model.ExpiryModel{
			InstrumentKey: instrumentKey,
			Date:          d.Format(dateLayout),
		})
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
}

// MarkExpiryContractsFetched flips the flag once; it never reverts.
func (s *Store) MarkExpiryContractsFetched(ctx context.Context, instrumentKey string, date time.Time) error {
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Model(&model.ExpiryModel{}).
			Where("instrument_key = ? AND date = ?", instrumentKey, date.Format(dateLayout)).
			Update("contracts_fetched", true).Error
	})
}

// Instruments lists known instruments via the read pool.
func (s *Store) Instruments(ctx context.Context) ([]store.Instrument, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT key, symbol, exchange, segment FROM instruments ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.Instrument
	for rows.Next() {
		var inst store.Instrument
		if err := rows.Scan(&inst.Key, &inst.Symbol, &inst.Exchange, &inst.Segment); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}
