package engine

import (
	"time"

	"bitbucket.org/mmdatafocus/pos_sync/models"
	"github.com/shopspring/decimal"
)

// Wire shapes for the remote sync API. Variants ride nested inside each
// product and stock rows inside each variant, so one delta response carries
// the whole catalog slice.

type DeltaResponse struct {
	Categories []CategoryDelta `json:"categories"`
	Products   []ProductDelta  `json:"products"`
	Count      int             `json:"count"`
}

type CategoryDelta struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ProductDelta struct {
	ID          int            `json:"id"`
	CategoryId  int            `json:"category_id"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	IsActive    *bool          `json:"is_active"`
	UpdatedAt   time.Time      `json:"updated_at"`
	Variants    []VariantDelta `json:"variants"`
}

type VariantDelta struct {
	ID         int             `json:"id"`
	Name       string          `json:"name"`
	Sku        string          `json:"sku"`
	Barcode    string          `json:"barcode"`
	SalesPrice decimal.Decimal `json:"sales_price"`
	IsActive   *bool           `json:"is_active"`
	UpdatedAt  time.Time       `json:"updated_at"`
	Stocks     []StockDelta    `json:"stocks"`
}

type StockDelta struct {
	BranchId  int             `json:"branch_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	MinStock  decimal.Decimal `json:"min_stock"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type batchRequest struct {
	Transactions []TransactionPayload `json:"transactions"`
}

type TransactionPayload struct {
	ID            string                   `json:"id"`
	BranchId      int                      `json:"branch_id"`
	CashierName   string                   `json:"cashier_name"`
	CustomerName  string                   `json:"customer_name"`
	PaymentMethod string                   `json:"payment_method"`
	SubTotal      decimal.Decimal          `json:"sub_total"`
	Discount      decimal.Decimal          `json:"discount"`
	Tax           decimal.Decimal          `json:"tax"`
	Total         decimal.Decimal          `json:"total"`
	CreatedAt     time.Time                `json:"created_at"`
	Items         []TransactionItemPayload `json:"items"`
}

type TransactionItemPayload struct {
	ID        string          `json:"id"`
	VariantId int             `json:"variant_id"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type BatchResponse struct {
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []BatchError `json:"errors"`
}

type BatchError struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

func toTransactionPayload(rec models.Transaction) TransactionPayload {
	payload := TransactionPayload{
		ID:            rec.ID,
		BranchId:      rec.BranchId,
		CashierName:   rec.CashierName,
		CustomerName:  rec.CustomerName,
		PaymentMethod: rec.PaymentMethod,
		SubTotal:      rec.SubTotal,
		Discount:      rec.Discount,
		Tax:           rec.Tax,
		Total:         rec.Total,
		CreatedAt:     rec.CreatedAt,
		Items:         make([]TransactionItemPayload, 0, len(rec.Items)),
	}
	for _, item := range rec.Items {
		payload.Items = append(payload.Items, TransactionItemPayload{
			ID:        item.ID,
			VariantId: item.VariantId,
			Quantity:  item.Quantity,
			Price:     item.Price,
			Subtotal:  item.Subtotal,
		})
	}
	return payload
}

// PullResult is the structured outcome of one catalog pull; it is returned
// instead of an error so the scheduler loop is never interrupted.
type PullResult struct {
	Resource   models.SyncResource `json:"resource"`
	Success    bool                `json:"success"`
	Applied    int                 `json:"applied"`
	Skipped    int                 `json:"skipped"`
	Error      string              `json:"error,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// PushResult is the structured outcome of one push attempt (immediate,
// batch sweep or retry sweep).
type PushResult struct {
	Success    bool      `json:"success"`
	Total      int       `json:"total"`
	Synced     int       `json:"synced"`
	Failed     int       `json:"failed"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
