package store

import (
	"context"
	"errors"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"bitbucket.org/mmdatafocus/pos_sync/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// ErrVariantMissing rejects a stock row that has no matching variant
// locally. The pull loop logs and skips these; they are not storage faults.
var ErrVariantMissing = errors.New("stock references an unknown product variant")

// Catalog upserts are idempotent and last-writer-wins on the server-assigned
// UpdatedAt: an incoming record older than the mirrored row is a no-op.

func (s *Store) UpsertCategory(ctx context.Context, rec *models.Category) error {
	db := s.db.WithContext(ctx)

	var existing models.Category
	err := db.Where("id = ?", rec.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if cerr := db.Create(rec).Error; cerr != nil {
			return &utils.StorageError{Op: "create category", Err: cerr}
		}
		return nil
	}
	if err != nil {
		return &utils.StorageError{Op: "read category", Err: err}
	}
	if existing.UpdatedAt.After(rec.UpdatedAt) {
		s.logStaleUpsert("category", rec.ID, nil)
		return nil
	}

	uerr := db.Model(&models.Category{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"name":       rec.Name,
			"updated_at": rec.UpdatedAt,
		}).Error
	if uerr != nil {
		return &utils.StorageError{Op: "update category", Err: uerr}
	}
	return nil
}

func (s *Store) UpsertProduct(ctx context.Context, rec *models.Product) error {
	db := s.db.WithContext(ctx)

	var existing models.Product
	err := db.Where("id = ?", rec.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if cerr := db.Create(rec).Error; cerr != nil {
			return &utils.StorageError{Op: "create product", Err: cerr}
		}
		return nil
	}
	if err != nil {
		return &utils.StorageError{Op: "read product", Err: err}
	}
	if existing.UpdatedAt.After(rec.UpdatedAt) {
		s.logStaleUpsert("product", rec.ID, nil)
		return nil
	}

	uerr := db.Model(&models.Product{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"category_id": rec.CategoryId,
			"name":        rec.Name,
			"description": rec.Description,
			"is_active":   rec.IsActive,
			"updated_at":  rec.UpdatedAt,
		}).Error
	if uerr != nil {
		return &utils.StorageError{Op: "update product", Err: uerr}
	}
	return nil
}

func (s *Store) UpsertVariant(ctx context.Context, rec *models.ProductVariant) error {
	db := s.db.WithContext(ctx)

	var existing models.ProductVariant
	err := db.Where("id = ?", rec.ID).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if cerr := db.Create(rec).Error; cerr != nil {
			return &utils.StorageError{Op: "create variant", Err: cerr}
		}
		return nil
	}
	if err != nil {
		return &utils.StorageError{Op: "read variant", Err: err}
	}
	if existing.UpdatedAt.After(rec.UpdatedAt) {
		s.logStaleUpsert("variant", rec.ID, nil)
		return nil
	}

	uerr := db.Model(&models.ProductVariant{}).Where("id = ?", rec.ID).
		Updates(map[string]interface{}{
			"product_id":  rec.ProductId,
			"name":        rec.Name,
			"sku":         rec.Sku,
			"barcode":     rec.Barcode,
			"sales_price": rec.SalesPrice,
			"is_active":   rec.IsActive,
			"updated_at":  rec.UpdatedAt,
		}).Error
	if uerr != nil {
		return &utils.StorageError{Op: "update variant", Err: uerr}
	}
	return nil
}

// UpsertStock overwrites the local quantity with the server figure. A stock
// row is never created without its variant.
func (s *Store) UpsertStock(ctx context.Context, rec *models.Stock) error {
	db := s.db.WithContext(ctx)

	var variantCount int64
	if err := db.Model(&models.ProductVariant{}).Where("id = ?", rec.VariantId).Count(&variantCount).Error; err != nil {
		return &utils.StorageError{Op: "read variant for stock", Err: err}
	}
	if variantCount == 0 {
		return ErrVariantMissing
	}

	var existing models.Stock
	err := db.Where("variant_id = ? AND branch_id = ?", rec.VariantId, rec.BranchId).Take(&existing).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		if cerr := db.Create(rec).Error; cerr != nil {
			return &utils.StorageError{Op: "create stock", Err: cerr}
		}
		return nil
	}
	if err != nil {
		return &utils.StorageError{Op: "read stock", Err: err}
	}
	if existing.UpdatedAt.After(rec.UpdatedAt) {
		s.logStaleUpsert("stock", rec.VariantId, map[string]interface{}{"branch_id": rec.BranchId})
		return nil
	}

	uerr := db.Model(&models.Stock{}).
		Where("variant_id = ? AND branch_id = ?", rec.VariantId, rec.BranchId).
		Updates(map[string]interface{}{
			"quantity":   rec.Quantity,
			"min_stock":  rec.MinStock,
			"updated_at": rec.UpdatedAt,
		}).Error
	if uerr != nil {
		return &utils.StorageError{Op: "update stock", Err: uerr}
	}
	return nil
}

func (s *Store) GetStock(ctx context.Context, variantId int, branchId int) (*models.Stock, error) {
	var stock models.Stock
	err := s.db.WithContext(ctx).
		Where("variant_id = ? AND branch_id = ?", variantId, branchId).
		Take(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, &utils.StorageError{Op: "read stock", Err: err}
	}
	return &stock, nil
}

// ListLowStocks reports rows at or below their minimum, for the status
// surface. Advisory only, like the local quantities themselves.
func (s *Store) ListLowStocks(ctx context.Context, branchId int) ([]models.Stock, error) {
	var stocks []models.Stock
	err := s.db.WithContext(ctx).
		Where("branch_id = ? AND quantity <= min_stock", branchId).
		Order("variant_id ASC").
		Find(&stocks).Error
	if err != nil {
		return nil, &utils.StorageError{Op: "list low stocks", Err: err}
	}
	return stocks, nil
}

func (s *Store) logStaleUpsert(kind string, id int, extra map[string]interface{}) {
	if s.logger == nil {
		return
	}
	fields := logrus.Fields{"module": "store", "kind": kind, "id": id}
	for k, v := range extra {
		fields[k] = v
	}
	s.logger.WithFields(fields).Debug("skipped stale catalog record")
}
