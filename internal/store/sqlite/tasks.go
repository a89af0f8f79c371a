package sqlite

import (
	"context"

	"optcollect/internal/store"
	"optcollect/internal/store/model"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SaveTask mirrors a task snapshot to disk for crash visibility. The
// orchestrator remains the owner of the live state; this row is only ever
// written, never read back into a running task.
func (s *Store) SaveTask(ctx context.Context, rec store.TaskRecord) error {
	progress := rec.Progress
	if len(progress) == 0 {
		progress = []byte("{}")
	}
	row := model.CollectionTaskModel{
		ID:            rec.ID,
		Status:        rec.Status,
		ProgressJSON:  datatypes.JSON(progress),
		Expiries:      rec.Expiries,
		Contracts:     rec.Contracts,
		Candles:       rec.Candles,
		Errors:        rec.Errors,
		CreatedAtUnix: rec.CreatedAt.Unix(),
		UpdatedAtUnix: rec.UpdatedAt.Unix(),
	}
	return s.write(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error
	})
}
