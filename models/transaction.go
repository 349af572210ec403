package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is an append-only ledger entry for a completed checkout.
// Header and money fields are immutable after creation; only the sync_*
// columns are ever updated, and only by the sync subsystem. Rows are never
// deleted — a synced transaction stays for offline reporting and audit.
type Transaction struct {
	ID            string          `gorm:"primary_key;size:36" json:"id"`
	BranchId      int             `gorm:"index;not null" json:"branch_id"`
	CashierName   string          `gorm:"size:100;not null" json:"cashier_name"`
	CustomerName  string          `gorm:"size:255" json:"customer_name"`
	PaymentMethod string          `gorm:"size:30;not null" json:"payment_method"`
	SubTotal      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sub_total"`
	Discount      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"discount"`
	Tax           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"tax"`
	Total         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total"`

	SyncStatus     SyncStatus `gorm:"index;size:10;not null;default:pending" json:"sync_status"`
	SyncRetryCount int        `gorm:"not null;default:0" json:"sync_retry_count"`
	SyncError      string     `gorm:"type:text" json:"sync_error"`
	SyncedAt       *time.Time `json:"synced_at"`
	LastAttemptAt  *time.Time `json:"last_attempt_at"`
	NextAttemptAt  *time.Time `gorm:"index" json:"next_attempt_at"`

	CreatedAt time.Time `gorm:"index;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`

	Items []TransactionItem `gorm:"foreignkey:TransactionId" json:"items"`
}

type TransactionItem struct {
	ID            string          `gorm:"primary_key;size:36" json:"id"`
	TransactionId string          `gorm:"index;size:36;not null" json:"transaction_id"`
	VariantId     int             `gorm:"index;not null" json:"variant_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	Price         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"price"`
	Subtotal      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"subtotal"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

// NewTransaction is the checkout input. Amounts arrive already computed by
// the POS; the sync layer never recomputes them.
type NewTransaction struct {
	ID            string               `json:"id"`
	BranchId      int                  `json:"branch_id" validate:"required"`
	CashierName   string               `json:"cashier_name" validate:"required"`
	CustomerName  string               `json:"customer_name"`
	PaymentMethod string               `json:"payment_method" validate:"required"`
	SubTotal      decimal.Decimal      `json:"sub_total"`
	Discount      decimal.Decimal      `json:"discount"`
	Tax           decimal.Decimal      `json:"tax"`
	Total         decimal.Decimal      `json:"total"`
	CreatedAt     *time.Time           `json:"created_at"`
	Items         []NewTransactionItem `json:"items" validate:"required,min=1,dive"`
}

type NewTransactionItem struct {
	ID        string          `json:"id"`
	VariantId int             `json:"variant_id" validate:"required"`
	Quantity  decimal.Decimal `json:"quantity" validate:"required"`
	Price     decimal.Decimal `json:"price"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}
