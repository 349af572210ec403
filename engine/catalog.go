package engine

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"github.com/sirupsen/logrus"
)

// syncProducts runs one delta pull: fetch everything changed since the
// persisted cursor, upsert categories, then products, then variants, then
// stocks. One bad record is logged and skipped, never aborting the batch.
// The cursor only advances on transport success, so a failed window is
// replayed on the next cycle.
func (e *Engine) syncProducts(ctx context.Context, triggeredBy string) PullResult {
	start := time.Now().UTC()
	res := PullResult{Resource: models.SyncResourceProducts, StartedAt: start}

	logRow, logErr := e.store.AppendSyncLog(ctx, models.SyncResourceProducts, models.SyncDirectionPull, triggeredBy)
	if logErr != nil {
		e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "products"}).
			Warn("could not open sync log: " + logErr.Error())
	}

	cursor, err := e.store.GetLastSyncTime(ctx, models.SyncResourceProducts)
	if err != nil {
		return e.finishPull(ctx, logRow, res, err.Error())
	}

	delta, err := e.client.FetchDelta(ctx, cursor)
	if err != nil {
		// Cursor untouched: the same window is retried next cycle.
		return e.finishPull(ctx, logRow, res, err.Error())
	}

	applied, skipped := 0, 0
	count := func(err error, kind string, id interface{}) {
		if err != nil {
			skipped++
			e.logger.WithFields(logrus.Fields{
				"module":   "engine",
				"resource": "products",
				"kind":     kind,
				"id":       id,
			}).Warn("skipped catalog record: " + err.Error())
			return
		}
		applied++
	}

	for _, cat := range delta.Categories {
		rec := models.Category{ID: cat.ID, Name: cat.Name, UpdatedAt: cat.UpdatedAt}
		count(e.store.UpsertCategory(ctx, &rec), "category", cat.ID)
	}
	for _, prod := range delta.Products {
		rec := models.Product{
			ID:          prod.ID,
			CategoryId:  prod.CategoryId,
			Name:        prod.Name,
			Description: prod.Description,
			IsActive:    prod.IsActive,
			UpdatedAt:   prod.UpdatedAt,
		}
		count(e.store.UpsertProduct(ctx, &rec), "product", prod.ID)
	}
	for _, prod := range delta.Products {
		for _, variant := range prod.Variants {
			rec := models.ProductVariant{
				ID:         variant.ID,
				ProductId:  prod.ID,
				Name:       variant.Name,
				Sku:        variant.Sku,
				Barcode:    variant.Barcode,
				SalesPrice: variant.SalesPrice,
				IsActive:   variant.IsActive,
				UpdatedAt:  variant.UpdatedAt,
			}
			count(e.store.UpsertVariant(ctx, &rec), "variant", variant.ID)
		}
	}
	for _, prod := range delta.Products {
		for _, variant := range prod.Variants {
			for _, stock := range variant.Stocks {
				rec := models.Stock{
					VariantId: variant.ID,
					BranchId:  stock.BranchId,
					Quantity:  stock.Quantity,
					MinStock:  stock.MinStock,
					UpdatedAt: stock.UpdatedAt,
				}
				count(e.store.UpsertStock(ctx, &rec), "stock", variant.ID)
			}
		}
	}

	res.Success = true
	res.Applied = applied
	res.Skipped = skipped

	// The cursor advances to the request-start time, not "now": anything
	// updated while the pull ran falls into the next window.
	if serr := e.store.SetLastSyncTime(ctx, models.SyncResourceProducts, start.Format(time.RFC3339)); serr != nil {
		e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "products"}).
			Error("could not advance sync cursor: " + serr.Error())
	}

	status := models.SyncRunStatusSuccess
	if skipped > 0 {
		status = models.SyncRunStatusPartial
	}
	if logRow != nil {
		if cerr := e.store.CompleteSyncLog(ctx, logRow.ID, status, applied, skipped, ""); cerr != nil {
			e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "products"}).
				Warn("could not complete sync log: " + cerr.Error())
		}
	}

	res.FinishedAt = time.Now().UTC()
	e.logger.WithFields(logrus.Fields{
		"module":       "engine",
		"resource":     "products",
		"triggered_by": triggeredBy,
		"applied":      applied,
		"skipped":      skipped,
	}).Info("catalog pull completed")

	e.bus.publish(Event{Type: EventProductSync, At: res.FinishedAt, Pull: &res})
	return res
}

func (e *Engine) finishPull(ctx context.Context, logRow *models.SyncLog, res PullResult, errMsg string) PullResult {
	res.Success = false
	res.Error = errMsg
	res.FinishedAt = time.Now().UTC()
	if logRow != nil {
		if cerr := e.store.CompleteSyncLog(ctx, logRow.ID, models.SyncRunStatusFailed, 0, 0, errMsg); cerr != nil {
			e.logger.WithFields(logrus.Fields{"module": "engine", "resource": "products"}).
				Warn("could not complete sync log: " + cerr.Error())
		}
	}
	e.logger.WithFields(logrus.Fields{
		"module":   "engine",
		"resource": "products",
	}).Warn("catalog pull failed: " + errMsg)
	e.bus.publish(Event{Type: EventProductSync, At: res.FinishedAt, Pull: &res})
	return res
}

// forceFullSync rewinds the cursor to the epoch sentinel and reruns the
// normal pull, refetching the entire catalog.
func (e *Engine) forceFullSync(ctx context.Context, triggeredBy string) PullResult {
	if err := e.store.ResetLastSyncTime(ctx, models.SyncResourceProducts); err != nil {
		now := time.Now().UTC()
		res := PullResult{
			Resource:   models.SyncResourceProducts,
			StartedAt:  now,
			FinishedAt: now,
			Error:      err.Error(),
		}
		e.bus.publish(Event{Type: EventProductSync, At: now, Pull: &res})
		return res
	}
	return e.syncProducts(ctx, triggeredBy)
}
