package app

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"receiptwise/pkg/domain"
	"receiptwise/pkg/extract"
	"receiptwise/pkg/queue"
	"receiptwise/pkg/storage"
	"receiptwise/pkg/store"
)

// JobQueue is the slice of the work queue the app depends on.
type JobQueue interface {
	Enqueue(ctx context.Context, payload queue.Payload) (queue.Job, error)
	GetJob(ctx context.Context, jobID string) (queue.Job, bool, error)
	SetProgress(ctx context.Context, jobID string, progress int) error
	Run(ctx context.Context, concurrency int, handler queue.Handler) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL     string
	Store           store.Store
	Objects         storage.ObjectStore
	Jobs            JobQueue
	Extractor       extract.Extractor
	MaxUploadBytes  int64
	PresignTTL      time.Duration
	DefaultCurrency string
	Concurrency     int
}

// App wires the upload gate, object store, work queue and extraction
// worker together.
type App struct {
	store           store.Store
	objects         storage.ObjectStore
	jobs            JobQueue
	extractor       extract.Extractor
	validate        *validator.Validate
	maxUploadBytes  int64
	presignTTL      time.Duration
	defaultCurrency string
	concurrency     int
}

// New constructs the application with database-backed persistence.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
	}
	if cfg.Objects == nil {
		return nil, fmt.Errorf("object store required")
	}
	if cfg.Jobs == nil {
		return nil, fmt.Errorf("job queue required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("extractor required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	presignTTL := cfg.PresignTTL
	if presignTTL <= 0 {
		presignTTL = 15 * time.Minute
	}
	currency := strings.TrimSpace(cfg.DefaultCurrency)
	if currency == "" {
		currency = "USD"
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	return &App{
		store:           dataStore,
		objects:         cfg.Objects,
		jobs:            cfg.Jobs,
		extractor:       cfg.Extractor,
		validate:        validator.New(),
		maxUploadBytes:  maxUploadBytes,
		presignTTL:      presignTTL,
		defaultCurrency: currency,
		concurrency:     concurrency,
	}, nil
}

// Run consumes extraction jobs until ctx is canceled.
func (a *App) Run(ctx context.Context) error {
	return a.jobs.Run(ctx, a.concurrency, a.ProcessJob)
}

// UploadInput describes one incoming receipt file.
type UploadInput struct {
	OwnerID     string `validate:"required"`
	Filename    string `validate:"required"`
	ContentType string `validate:"required,oneof=image/jpeg image/png image/webp application/pdf"`
	Size        int64  `validate:"required,gt=0"`
	CategoryID  string
}

// UploadReceipt validates the file, stores the original bytes, creates
// the pending receipt row and enqueues extraction. The object store
// write is acknowledged before the job exists, so a job never
// references an object that might not be there.
func (a *App) UploadReceipt(ctx context.Context, in UploadInput, r io.Reader) (domain.Receipt, queue.Job, error) {
	if err := a.validate.Struct(in); err != nil {
		return domain.Receipt{}, queue.Job{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Size > a.maxUploadBytes {
		return domain.Receipt{}, queue.Job{}, fmt.Errorf("%w: file size %d exceeds limit %d", ErrInvalidInput, in.Size, a.maxUploadBytes)
	}
	var categoryID *string
	if id := strings.TrimSpace(in.CategoryID); id != "" {
		cat, ok, err := a.store.GetCategory(in.OwnerID, id)
		if err != nil {
			return domain.Receipt{}, queue.Job{}, fmt.Errorf("check category: %w", err)
		}
		if !ok {
			return domain.Receipt{}, queue.Job{}, fmt.Errorf("%w: unknown category %q", ErrInvalidInput, id)
		}
		categoryID = &cat.ID
	}

	key := storage.BuildKey(in.OwnerID, in.Filename)
	filename := filepath.Base(in.Filename)
	err := a.objects.Put(ctx, key, r, in.Size, in.ContentType, map[string]string{
		"owner-id":          in.OwnerID,
		"original-filename": filename,
	})
	if err != nil {
		return domain.Receipt{}, queue.Job{}, fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}

	now := time.Now().UTC()
	receipt := domain.Receipt{
		ID:               uuid.NewString(),
		OwnerID:          in.OwnerID,
		MerchantName:     titleFromName(filename),
		PurchaseDate:     now,
		Subtotal:         decimal.Zero,
		TaxAmount:        decimal.Zero,
		TotalAmount:      decimal.Zero,
		Currency:         a.defaultCurrency,
		StorageKey:       key,
		OriginalFilename: filename,
		CategoryID:       categoryID,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := a.store.CreateReceipt(receipt); err != nil {
		_ = a.objects.Delete(ctx, key)
		return domain.Receipt{}, queue.Job{}, fmt.Errorf("save receipt: %w", err)
	}

	// From here on the stored upload must always remain retrievable:
	// any later failure leaves the row behind in a failed state rather
	// than dropping it.
	url, err := a.objects.PresignGet(ctx, key, a.presignTTL)
	if err != nil {
		_ = a.store.MarkReceiptFailed(receipt.ID, failedMerchantPlaceholder, "could not issue a read URL for the stored image: "+err.Error())
		return receipt, queue.Job{}, fmt.Errorf("presign image: %w", err)
	}
	job, err := a.jobs.Enqueue(ctx, queue.Payload{
		ReceiptID:        receipt.ID,
		OwnerID:          in.OwnerID,
		PresignedURL:     url,
		StorageKey:       key,
		CategoryOverride: in.CategoryID,
		FileName:         filename,
		FileType:         in.ContentType,
	})
	if err != nil {
		_ = a.store.MarkReceiptFailed(receipt.ID, failedMerchantPlaceholder, "extraction could not be scheduled: "+err.Error())
		return receipt, queue.Job{}, fmt.Errorf("enqueue extraction: %w", err)
	}
	return receipt, job, nil
}

// GetReceipt retrieves a receipt scoped to its owner.
func (a *App) GetReceipt(ownerID, id string) (domain.Receipt, error) {
	r, ok, err := a.store.GetReceiptForOwner(ownerID, id)
	if err != nil {
		return domain.Receipt{}, err
	}
	if !ok {
		return domain.Receipt{}, ErrNotFound
	}
	return r, nil
}

// ListReceipts returns the owner's receipts, newest first.
func (a *App) ListReceipts(ownerID string) ([]domain.Receipt, error) {
	return a.store.ListReceiptsByOwner(ownerID)
}

// DeleteReceipt removes the receipt row and its stored image. An
// in-flight extraction job for the receipt will no-op on its next
// write.
func (a *App) DeleteReceipt(ctx context.Context, ownerID, id string) error {
	r, ok, err := a.store.GetReceiptForOwner(ownerID, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	if err := a.store.DeleteReceipt(r.ID); err != nil {
		return err
	}
	if err := a.objects.Delete(ctx, r.StorageKey); err != nil {
		return err
	}
	return nil
}

// GetDownloadURL returns a pre-signed URL for the stored image plus
// the original filename.
func (a *App) GetDownloadURL(ctx context.Context, ownerID, id string) (string, string, error) {
	r, ok, err := a.store.GetReceiptForOwner(ownerID, id)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", ErrNotFound
	}
	url, err := a.objects.PresignGet(ctx, r.StorageKey, a.presignTTL)
	if err != nil {
		return "", "", err
	}
	return url, r.OriginalFilename, nil
}

// GetJob returns the observable queue state for a job id.
func (a *App) GetJob(ctx context.Context, jobID string) (queue.Job, bool, error) {
	return a.jobs.GetJob(ctx, jobID)
}

// ListCategories returns the owner's categories.
func (a *App) ListCategories(ownerID string) ([]domain.Category, error) {
	return a.store.ListCategoriesByOwner(ownerID)
}

// NormalizeContentType strips parameters from a declared media type.
func NormalizeContentType(declared string) string {
	mediaType, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declared))
	}
	return mediaType
}

func titleFromName(name string) string {
	base := filepath.Base(name)
	title := strings.TrimSuffix(base, filepath.Ext(base))
	title = strings.TrimSpace(title)
	if title == "" {
		return "Receipt"
	}
	return title
}
