package store

import "receiptwise/pkg/domain"

// Store persists receipts and categories.
//
// All receipt mutations are keyed by id and must tolerate the row
// being gone: updating a deleted receipt is a no-op, not an error,
// because a user may delete a receipt while its extraction job is
// still in flight.
type Store interface {
	CreateReceipt(r domain.Receipt) error
	GetReceipt(id string) (domain.Receipt, bool, error)
	GetReceiptForOwner(ownerID, id string) (domain.Receipt, bool, error)
	ListReceiptsByOwner(ownerID string) ([]domain.Receipt, error)
	SetReceiptStatus(id string, status domain.ReceiptStatus, notes string) error
	// MarkReceiptFailed writes the failure placeholder onto the receipt
	// while leaving the stored-image reference intact.
	MarkReceiptFailed(id, merchantName, notes string) error
	// ApplyExtraction writes all extracted fields plus the terminal
	// status in one update. Safe to apply more than once.
	ApplyExtraction(r domain.Receipt) error
	DeleteReceipt(id string) error

	// CreateOrGetCategory inserts the category or, when another job
	// already created the same owner+name, returns the existing row.
	CreateOrGetCategory(c domain.Category) (domain.Category, error)
	GetCategory(ownerID, id string) (domain.Category, bool, error)
	FindCategoryByName(ownerID, name string) (domain.Category, bool, error)
	ListCategoriesByOwner(ownerID string) ([]domain.Category, error)
}

// NormalizeCategoryName folds a label to its per-owner uniqueness key:
// trimmed and case-insensitive.
func NormalizeCategoryName(name string) string {
	return normalizeName(name)
}
