package store

import (
	"fmt"
	"sync"
	"time"

	"receiptwise/pkg/domain"
)

// MemoryStore keeps receipts and categories in-process. It mirrors the
// GormStore semantics (no-op updates on missing rows, create-or-get
// under lock) and backs the worker and resolver tests.
type MemoryStore struct {
	mu         sync.RWMutex
	receipts   map[string]domain.Receipt
	categories map[string]domain.Category
	order      []string
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		receipts:   make(map[string]domain.Receipt),
		categories: make(map[string]domain.Category),
	}
}

func (m *MemoryStore) CreateReceipt(r domain.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.receipts[r.ID]; exists {
		return nil
	}
	m.order = append(m.order, r.ID)
	m.receipts[r.ID] = r
	return nil
}

func (m *MemoryStore) GetReceipt(id string) (domain.Receipt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	return r, ok, nil
}

func (m *MemoryStore) GetReceiptForOwner(ownerID, id string) (domain.Receipt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[id]
	if !ok || r.OwnerID != ownerID {
		return domain.Receipt{}, false, nil
	}
	return r, true, nil
}

func (m *MemoryStore) ListReceiptsByOwner(ownerID string) ([]domain.Receipt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Receipt, 0)
	for i := len(m.order) - 1; i >= 0; i-- {
		if r, ok := m.receipts[m.order[i]]; ok && r.OwnerID == ownerID {
			res = append(res, r)
		}
	}
	return res, nil
}

func (m *MemoryStore) SetReceiptStatus(id string, status domain.ReceiptStatus, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil
	}
	r.Status = status
	if notes != "" {
		r.Notes = notes
	}
	r.UpdatedAt = time.Now().UTC()
	m.receipts[id] = r
	return nil
}

func (m *MemoryStore) MarkReceiptFailed(id, merchantName, notes string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[id]
	if !ok {
		return nil
	}
	r.Status = domain.StatusFailed
	r.MerchantName = merchantName
	r.Notes = notes
	r.UpdatedAt = time.Now().UTC()
	m.receipts[id] = r
	return nil
}

func (m *MemoryStore) ApplyExtraction(r domain.Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.receipts[r.ID]
	if !ok {
		return nil
	}
	cur.MerchantName = r.MerchantName
	cur.MerchantAddress = r.MerchantAddress
	cur.PurchaseDate = r.PurchaseDate
	cur.Subtotal = r.Subtotal
	cur.TaxAmount = r.TaxAmount
	cur.TotalAmount = r.TotalAmount
	cur.Currency = r.Currency
	cur.Notes = r.Notes
	cur.CategoryID = r.CategoryID
	cur.LineItems = r.LineItems
	cur.Status = r.Status
	cur.UpdatedAt = time.Now().UTC()
	m.receipts[r.ID] = cur
	return nil
}

func (m *MemoryStore) DeleteReceipt(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.receipts, id)
	return nil
}

func (m *MemoryStore) CreateOrGetCategory(c domain.Category) (domain.Category, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := normalizeName(c.Name)
	for _, existing := range m.categories {
		if existing.OwnerID == c.OwnerID && normalizeName(existing.Name) == key {
			return existing, nil
		}
	}
	if c.ID == "" {
		return domain.Category{}, fmt.Errorf("category id required")
	}
	m.categories[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCategory(ownerID, id string) (domain.Category, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.categories[id]
	if !ok || c.OwnerID != ownerID {
		return domain.Category{}, false, nil
	}
	return c, true, nil
}

func (m *MemoryStore) FindCategoryByName(ownerID, name string) (domain.Category, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key := normalizeName(name)
	for _, c := range m.categories {
		if c.OwnerID == ownerID && normalizeName(c.Name) == key {
			return c, true, nil
		}
	}
	return domain.Category{}, false, nil
}

func (m *MemoryStore) ListCategoriesByOwner(ownerID string) ([]domain.Category, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Category, 0)
	for _, c := range m.categories {
		if c.OwnerID == ownerID {
			res = append(res, c)
		}
	}
	return res, nil
}
