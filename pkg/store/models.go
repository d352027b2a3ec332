package store

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ReceiptModel struct {
	ID               string `gorm:"primaryKey"`
	OwnerID          string `gorm:"not null;index"`
	MerchantName     string `gorm:"not null"`
	MerchantAddress  *string
	PurchaseDate     time.Time       `gorm:"not null"`
	Subtotal         decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TaxAmount        decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	TotalAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null"`
	Currency         string          `gorm:"not null"`
	Notes            string          `gorm:"type:text"`
	StorageKey       string          `gorm:"not null"`
	OriginalFilename string
	CategoryID       *string        `gorm:"index"`
	Status           string         `gorm:"not null;index"`
	LineItems        datatypes.JSON `gorm:"type:jsonb"`
	CreatedAt        time.Time      `gorm:"not null"`
	UpdatedAt        time.Time      `gorm:"not null"`
}

type CategoryModel struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"not null;uniqueIndex:idx_categories_owner_name_key"`
	NameKey     string `gorm:"not null;uniqueIndex:idx_categories_owner_name_key"`
	Name        string `gorm:"not null"`
	Description string
	CreatedAt   time.Time `gorm:"not null"`
}
