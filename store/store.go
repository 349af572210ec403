package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the local durable store: catalog mirror, transaction queue,
// settings/cursors and sync audit log. It is a plain instance around an
// embedded sqlite database — no package globals — so independent sync
// sessions and tests get isolated state.
//
// The store never retries anything; retry policy belongs to the scheduler.
type Store struct {
	db       *gorm.DB
	logger   *logrus.Logger
	validate *validator.Validate
}

func New(db *gorm.DB, logger *logrus.Logger) *Store {
	return &Store{
		db:       db,
		logger:   logger,
		validate: validator.New(),
	}
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var setting models.Setting
	err := s.db.WithContext(ctx).Where("key = ?", key).Take(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", utils.ErrorRecordNotFound
		}
		return "", &utils.StorageError{Op: "get setting " + key, Err: err}
	}
	return setting.Value, nil
}

func (s *Store) SetSetting(ctx context.Context, key string, value string) error {
	setting := models.Setting{Key: key, Value: value, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&setting).Error
	if err != nil {
		return &utils.StorageError{Op: "set setting " + key, Err: err}
	}
	return nil
}

func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("key = ?", key).Delete(&models.Setting{}).Error
	if err != nil {
		return &utils.StorageError{Op: "delete setting " + key, Err: err}
	}
	return nil
}

// GetLastSyncTime returns the per-resource cursor, defaulting to the epoch
// sentinel so the very first pull fetches everything.
func (s *Store) GetLastSyncTime(ctx context.Context, resource models.SyncResource) (string, error) {
	value, err := s.GetSetting(ctx, models.LastSyncKey(resource))
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return models.EpochSentinel, nil
	}
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(value) == "" {
		return models.EpochSentinel, nil
	}
	return value, nil
}

func (s *Store) SetLastSyncTime(ctx context.Context, resource models.SyncResource, value string) error {
	return s.SetSetting(ctx, models.LastSyncKey(resource), value)
}

// ResetLastSyncTime rewinds the cursor for a forced full sync.
func (s *Store) ResetLastSyncTime(ctx context.Context, resource models.SyncResource) error {
	return s.SetSetting(ctx, models.LastSyncKey(resource), models.EpochSentinel)
}
