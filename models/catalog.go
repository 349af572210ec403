package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Catalog mirror entities. Ids and UpdatedAt are server-assigned; the pull
// side owns every row and applies last-writer-wins on UpdatedAt, so none of
// these carry gorm auto-update timestamps.

type Category struct {
	ID        int       `gorm:"primary_key" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"index" json:"updated_at"`
}

type Product struct {
	ID          int       `gorm:"primary_key" json:"id"`
	CategoryId  int       `gorm:"index;not null;default:0" json:"category_id"`
	Name        string    `gorm:"size:255;not null" json:"name"`
	Description string    `gorm:"type:text" json:"description"`
	IsActive    *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"index" json:"updated_at"`
}

type ProductVariant struct {
	ID         int             `gorm:"primary_key" json:"id"`
	ProductId  int             `gorm:"index;not null" json:"product_id"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Sku        string          `gorm:"index;size:100" json:"sku"`
	Barcode    string          `gorm:"index;size:100" json:"barcode"`
	SalesPrice decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"sales_price"`
	IsActive   *bool           `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"index" json:"updated_at"`
}

// Stock is unique per (variant, branch). The server is the source of truth;
// local decrements at checkout are advisory and self-heal on the next pull.
type Stock struct {
	VariantId int             `gorm:"primary_key;autoIncrement:false" json:"variant_id"`
	BranchId  int             `gorm:"primary_key;autoIncrement:false" json:"branch_id"`
	Quantity  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity"`
	MinStock  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"min_stock"`
	UpdatedAt time.Time       `gorm:"index" json:"updated_at"`
}
