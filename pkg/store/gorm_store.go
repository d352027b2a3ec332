package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"receiptwise/pkg/domain"
)

const migrateLockID int64 = 52815281

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&ReceiptModel{}, &CategoryModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// CreateReceipt inserts a new receipt row. Re-inserting the same id is
// a no-op so a retried upload request cannot duplicate the row.
func (s *GormStore) CreateReceipt(r domain.Receipt) error {
	model, err := receiptToModel(r)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&model).Error
}

// GetReceipt retrieves a receipt by id.
func (s *GormStore) GetReceipt(id string) (domain.Receipt, bool, error) {
	var model ReceiptModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Receipt{}, false, nil
		}
		return domain.Receipt{}, false, err
	}
	r, err := receiptFromModel(model)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	return r, true, nil
}

// GetReceiptForOwner retrieves a receipt scoped to its owner.
func (s *GormStore) GetReceiptForOwner(ownerID, id string) (domain.Receipt, bool, error) {
	var model ReceiptModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Receipt{}, false, nil
		}
		return domain.Receipt{}, false, err
	}
	r, err := receiptFromModel(model)
	if err != nil {
		return domain.Receipt{}, false, err
	}
	return r, true, nil
}

// ListReceiptsByOwner returns the owner's receipts, newest first.
func (s *GormStore) ListReceiptsByOwner(ownerID string) ([]domain.Receipt, error) {
	var models []ReceiptModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Receipt, 0, len(models))
	for _, m := range models {
		r, err := receiptFromModel(m)
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

// SetReceiptStatus updates status and, when non-empty, the notes.
// Updating a missing receipt is a no-op.
func (s *GormStore) SetReceiptStatus(id string, status domain.ReceiptStatus, notes string) error {
	updates := map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	}
	if strings.TrimSpace(notes) != "" {
		updates["notes"] = notes
	}
	return s.db.Model(&ReceiptModel{}).Where("id = ?", id).Updates(updates).Error
}

// MarkReceiptFailed writes the failure placeholder onto the receipt.
// Monetary fields stay at their current values (zero unless a prior
// attempt wrote them) and the storage key is untouched, so the stored
// image remains reachable for manual correction.
func (s *GormStore) MarkReceiptFailed(id, merchantName, notes string) error {
	return s.db.Model(&ReceiptModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":        string(domain.StatusFailed),
		"merchant_name": merchantName,
		"notes":         notes,
		"updated_at":    time.Now().UTC(),
	}).Error
}

// ApplyExtraction writes every extracted field plus the terminal
// status in a single update keyed by id. Re-applying the same
// extraction yields the same row state.
func (s *GormStore) ApplyExtraction(r domain.Receipt) error {
	items, err := marshalLineItems(r.LineItems)
	if err != nil {
		return err
	}
	return s.db.Model(&ReceiptModel{}).Where("id = ?", r.ID).Updates(map[string]any{
		"merchant_name":    r.MerchantName,
		"merchant_address": r.MerchantAddress,
		"purchase_date":    r.PurchaseDate,
		"subtotal":         r.Subtotal,
		"tax_amount":       r.TaxAmount,
		"total_amount":     r.TotalAmount,
		"currency":         r.Currency,
		"notes":            r.Notes,
		"category_id":      r.CategoryID,
		"line_items":       items,
		"status":           string(r.Status),
		"updated_at":       time.Now().UTC(),
	}).Error
}

// DeleteReceipt removes a receipt row.
func (s *GormStore) DeleteReceipt(id string) error {
	return s.db.Delete(&ReceiptModel{}, "id = ?", id).Error
}

// CreateOrGetCategory inserts the category; on a uniqueness conflict
// for (owner, normalized name) it re-fetches and returns the existing
// row, so two jobs racing on the same label produce one category.
func (s *GormStore) CreateOrGetCategory(c domain.Category) (domain.Category, error) {
	model := categoryToModel(c)
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "name_key"}},
		DoNothing: true,
	}).Create(&model)
	if res.Error != nil {
		return domain.Category{}, res.Error
	}
	if res.RowsAffected > 0 {
		return categoryFromModel(model), nil
	}
	existing, ok, err := s.FindCategoryByName(c.OwnerID, c.Name)
	if err != nil {
		return domain.Category{}, err
	}
	if !ok {
		return domain.Category{}, fmt.Errorf("category %q vanished after conflict", c.Name)
	}
	return existing, nil
}

// GetCategory retrieves a category scoped to its owner.
func (s *GormStore) GetCategory(ownerID, id string) (domain.Category, bool, error) {
	var model CategoryModel
	if err := s.db.First(&model, "id = ? AND owner_id = ?", id, ownerID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Category{}, false, nil
		}
		return domain.Category{}, false, err
	}
	return categoryFromModel(model), true, nil
}

// FindCategoryByName looks up a category by its normalized name.
func (s *GormStore) FindCategoryByName(ownerID, name string) (domain.Category, bool, error) {
	var model CategoryModel
	if err := s.db.First(&model, "owner_id = ? AND name_key = ?", ownerID, normalizeName(name)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Category{}, false, nil
		}
		return domain.Category{}, false, err
	}
	return categoryFromModel(model), true, nil
}

// ListCategoriesByOwner returns the owner's categories ordered by name.
func (s *GormStore) ListCategoriesByOwner(ownerID string) ([]domain.Category, error) {
	var models []CategoryModel
	if err := s.db.Where("owner_id = ?", ownerID).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Category, 0, len(models))
	for _, m := range models {
		res = append(res, categoryFromModel(m))
	}
	return res, nil
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func marshalLineItems(items []domain.LineItem) (datatypes.JSON, error) {
	if len(items) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshal line items: %w", err)
	}
	return datatypes.JSON(raw), nil
}

func receiptToModel(r domain.Receipt) (ReceiptModel, error) {
	items, err := marshalLineItems(r.LineItems)
	if err != nil {
		return ReceiptModel{}, err
	}
	return ReceiptModel{
		ID:               r.ID,
		OwnerID:          r.OwnerID,
		MerchantName:     r.MerchantName,
		MerchantAddress:  r.MerchantAddress,
		PurchaseDate:     r.PurchaseDate,
		Subtotal:         r.Subtotal,
		TaxAmount:        r.TaxAmount,
		TotalAmount:      r.TotalAmount,
		Currency:         r.Currency,
		Notes:            r.Notes,
		StorageKey:       r.StorageKey,
		OriginalFilename: r.OriginalFilename,
		CategoryID:       r.CategoryID,
		Status:           string(r.Status),
		LineItems:        items,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}, nil
}

func receiptFromModel(m ReceiptModel) (domain.Receipt, error) {
	var items []domain.LineItem
	if len(m.LineItems) > 0 {
		if err := json.Unmarshal(m.LineItems, &items); err != nil {
			return domain.Receipt{}, fmt.Errorf("unmarshal line items: %w", err)
		}
	}
	return domain.Receipt{
		ID:               m.ID,
		OwnerID:          m.OwnerID,
		MerchantName:     m.MerchantName,
		MerchantAddress:  m.MerchantAddress,
		PurchaseDate:     m.PurchaseDate,
		Subtotal:         m.Subtotal,
		TaxAmount:        m.TaxAmount,
		TotalAmount:      m.TotalAmount,
		Currency:         m.Currency,
		Notes:            m.Notes,
		StorageKey:       m.StorageKey,
		OriginalFilename: m.OriginalFilename,
		CategoryID:       m.CategoryID,
		Status:           domain.ReceiptStatus(m.Status),
		LineItems:        items,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}, nil
}

func categoryToModel(c domain.Category) CategoryModel {
	return CategoryModel{
		ID:          c.ID,
		OwnerID:     c.OwnerID,
		NameKey:     normalizeName(c.Name),
		Name:        c.Name,
		Description: c.Description,
		CreatedAt:   c.CreatedAt,
	}
}

func categoryFromModel(m CategoryModel) domain.Category {
	return domain.Category{
		ID:          m.ID,
		OwnerID:     m.OwnerID,
		Name:        m.Name,
		Description: m.Description,
		CreatedAt:   m.CreatedAt,
	}
}
