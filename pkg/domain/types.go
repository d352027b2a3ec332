package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReceiptStatus string

const (
	StatusPending    ReceiptStatus = "pending"
	StatusProcessing ReceiptStatus = "processing"
	StatusCompleted  ReceiptStatus = "completed"
	StatusFailed     ReceiptStatus = "failed"
)

// Terminal reports whether the status ends the receipt's lifecycle.
// A new upload always creates a new receipt; terminal rows are only
// edited by users, never reopened by the pipeline.
func (s ReceiptStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type Receipt struct {
	ID               string          `json:"id"`
	OwnerID          string          `json:"ownerId"`
	MerchantName     string          `json:"merchantName"`
	MerchantAddress  *string         `json:"merchantAddress,omitempty"`
	PurchaseDate     time.Time       `json:"purchaseDate"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	TaxAmount        decimal.Decimal `json:"taxAmount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`
	Currency         string          `json:"currency"`
	Notes            string          `json:"notes,omitempty"`
	StorageKey       string          `json:"-"`
	OriginalFilename string          `json:"originalFilename"`
	CategoryID       *string         `json:"categoryId,omitempty"`
	Status           ReceiptStatus   `json:"status"`
	LineItems        []LineItem      `json:"lineItems,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

type LineItem struct {
	Name     string          `json:"name"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

type Category struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"ownerId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}
