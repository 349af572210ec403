package store

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/config"
	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type QueueLevel string

const (
	QueueLevelNone     QueueLevel = "none"
	QueueLevelWarning  QueueLevel = "warning"
	QueueLevelCritical QueueLevel = "critical"
)

const (
	queueWarningThreshold  = 50
	queueCriticalThreshold = 200
)

// QueueStats is the backpressure signal for the hosting UI. Level is derived
// from the outstanding (pending + failed) count; acting on it is the
// caller's business.
type QueueStats struct {
	Total           int64      `json:"total"`
	Pending         int64      `json:"pending"`
	Failed          int64      `json:"failed"`
	OldestTimestamp *time.Time `json:"oldest_timestamp"`
	Level           QueueLevel `json:"level"`
}

// EnqueueTransaction persists a checkout as one atomic unit: header, items
// and the advisory stock decrements all land or none do. It runs on the
// checkout path, so it does no network work and must stay fast.
//
// Amounts arrive computed by the POS and are stored as-is. Insufficient
// local stock is not a rejection reason — the local quantity is an estimate
// that self-heals on the next pull.
func (s *Store) EnqueueTransaction(ctx context.Context, input *models.NewTransaction) (*models.Transaction, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	createdAt := now
	if input.CreatedAt != nil {
		createdAt = input.CreatedAt.UTC()
	}

	header := models.Transaction{
		ID:            input.ID,
		BranchId:      input.BranchId,
		CashierName:   input.CashierName,
		CustomerName:  input.CustomerName,
		PaymentMethod: input.PaymentMethod,
		SubTotal:      input.SubTotal,
		Discount:      input.Discount,
		Tax:           input.Tax,
		Total:         input.Total,
		SyncStatus:    models.SyncStatusPending,
		CreatedAt:     createdAt,
	}
	if header.ID == "" {
		header.ID = uuid.NewString()
	}

	items := make([]models.TransactionItem, 0, len(input.Items))
	for _, in := range input.Items {
		item := models.TransactionItem{
			ID:            in.ID,
			TransactionId: header.ID,
			VariantId:     in.VariantId,
			Quantity:      in.Quantity,
			Price:         in.Price,
			Subtotal:      in.Subtotal,
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		items = append(items, item)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Omit("Items").Create(&header).Error; err != nil {
			return err
		}
		for i := range items {
			if err := tx.Create(&items[i]).Error; err != nil {
				return err
			}
			// Advisory decrement; a missing stock row is simply skipped.
			if err := tx.Model(&models.Stock{}).
				Where("variant_id = ? AND branch_id = ?", items[i].VariantId, header.BranchId).
				Update("quantity", gorm.Expr("quantity - ?", items[i].Quantity)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if s.logger != nil {
			config.LogError(s.logger, "store", "EnqueueTransaction", "checkout persist", header.ID, err)
		}
		return nil, &utils.StorageError{Op: "enqueue transaction", Err: err}
	}

	header.Items = items
	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"module":         "store",
			"transaction_id": header.ID,
			"branch_id":      header.BranchId,
			"items":          len(items),
		}).Info("transaction enqueued")
	}
	return &header, nil
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*models.Transaction, error) {
	var rec models.Transaction
	err := s.db.WithContext(ctx).Preload("Items").Where("id = ?", id).Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, &utils.StorageError{Op: "read transaction", Err: err}
	}
	return &rec, nil
}

// ListPending returns every not-yet-synced transaction, oldest first, so
// batch sweeps deliver in checkout order.
func (s *Store) ListPending(ctx context.Context) ([]models.Transaction, error) {
	var recs []models.Transaction
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("sync_status <> ?", models.SyncStatusSynced).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, &utils.StorageError{Op: "list pending transactions", Err: err}
	}
	return recs, nil
}

// ListRetryEligible returns failed transactions whose backoff window has
// elapsed (next_attempt_at <= now), oldest first.
func (s *Store) ListRetryEligible(ctx context.Context, now time.Time) ([]models.Transaction, error) {
	var recs []models.Transaction
	err := s.db.WithContext(ctx).
		Preload("Items").
		Where("sync_status = ? AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?",
			models.SyncStatusFailed, now.UTC()).
		Order("created_at ASC").
		Find(&recs).Error
	if err != nil {
		return nil, &utils.StorageError{Op: "list retry-eligible transactions", Err: err}
	}
	return recs, nil
}

// MarkSynced is idempotent: synced is terminal, so repeated calls are
// no-ops.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&models.Transaction{}).
		Where("id = ? AND sync_status <> ?", id, models.SyncStatusSynced).
		Updates(map[string]interface{}{
			"sync_status":     models.SyncStatusSynced,
			"synced_at":       &now,
			"sync_error":      "",
			"next_attempt_at": nil,
		}).Error
	if err != nil {
		return &utils.StorageError{Op: "mark transaction synced", Err: err}
	}
	return nil
}

// MarkFailed records one delivery failure. The attempt timestamp keys
// idempotence: replaying the same attempt cannot double-increment the retry
// counter. nextAttemptAt is computed by the caller — backoff policy does not
// live here.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, attemptedAt time.Time, nextAttemptAt time.Time) error {
	attemptedAt = attemptedAt.UTC()
	nextAttemptAt = nextAttemptAt.UTC()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec models.Transaction
		if err := tx.Select("id", "sync_status", "sync_retry_count", "last_attempt_at").
			Where("id = ?", id).Take(&rec).Error; err != nil {
			return err
		}
		if rec.SyncStatus == models.SyncStatusSynced {
			return nil
		}
		if rec.LastAttemptAt != nil && !rec.LastAttemptAt.Before(attemptedAt) {
			return nil
		}
		return tx.Model(&models.Transaction{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"sync_status":      models.SyncStatusFailed,
				"sync_error":       errMsg,
				"sync_retry_count": rec.SyncRetryCount + 1,
				"last_attempt_at":  attemptedAt,
				"next_attempt_at":  nextAttemptAt,
			}).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return utils.ErrorRecordNotFound
		}
		return &utils.StorageError{Op: "mark transaction failed", Err: err}
	}
	return nil
}

func (s *Store) QueueStats(ctx context.Context) (*QueueStats, error) {
	db := s.db.WithContext(ctx)
	stats := QueueStats{}

	if err := db.Model(&models.Transaction{}).Count(&stats.Total).Error; err != nil {
		return nil, &utils.StorageError{Op: "count transactions", Err: err}
	}
	if err := db.Model(&models.Transaction{}).
		Where("sync_status = ?", models.SyncStatusPending).
		Count(&stats.Pending).Error; err != nil {
		return nil, &utils.StorageError{Op: "count pending transactions", Err: err}
	}
	if err := db.Model(&models.Transaction{}).
		Where("sync_status = ?", models.SyncStatusFailed).
		Count(&stats.Failed).Error; err != nil {
		return nil, &utils.StorageError{Op: "count failed transactions", Err: err}
	}

	var oldest models.Transaction
	err := db.Where("sync_status <> ?", models.SyncStatusSynced).
		Order("created_at ASC").
		Select("id", "created_at").
		Take(&oldest).Error
	if err == nil {
		t := oldest.CreatedAt
		stats.OldestTimestamp = &t
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &utils.StorageError{Op: "read oldest outstanding transaction", Err: err}
	}

	outstanding := stats.Pending + stats.Failed
	switch {
	case outstanding >= queueCriticalThreshold:
		stats.Level = QueueLevelCritical
	case outstanding >= queueWarningThreshold:
		stats.Level = QueueLevelWarning
	default:
		stats.Level = QueueLevelNone
	}
	return &stats, nil
}
