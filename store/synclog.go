package store

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AppendSyncLog opens the audit bracket for one sync attempt.
func (s *Store) AppendSyncLog(ctx context.Context, resource models.SyncResource, direction models.SyncDirection, triggeredBy string) (*models.SyncLog, error) {
	row := models.SyncLog{
		ID:          uuid.NewString(),
		Resource:    resource,
		Direction:   direction,
		Status:      models.SyncRunStatusRunning,
		TriggeredBy: triggeredBy,
		StartedAt:   time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, &utils.StorageError{Op: "append sync log", Err: err}
	}
	return &row, nil
}

// CompleteSyncLog closes the bracket. A completed row is append-only: a
// second completion of the same id is a no-op.
func (s *Store) CompleteSyncLog(ctx context.Context, id string, status string, recordCount int, errorCount int, errMsg string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.SyncLog
		if err := tx.Select("id", "started_at", "finished_at").Where("id = ?", id).Take(&row).Error; err != nil {
			return err
		}
		if row.FinishedAt != nil {
			return nil
		}
		now := time.Now().UTC()
		return tx.Model(&models.SyncLog{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":       status,
				"record_count": recordCount,
				"error_count":  errorCount,
				"error":        errMsg,
				"finished_at":  &now,
				"duration_ms":  now.Sub(row.StartedAt).Milliseconds(),
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return &utils.StorageError{Op: "complete sync log", Err: err}
	}
	return nil
}

func (s *Store) ListSyncLogs(ctx context.Context, limit int) ([]models.SyncLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []models.SyncLog
	err := s.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, &utils.StorageError{Op: "list sync logs", Err: err}
	}
	return rows, nil
}
