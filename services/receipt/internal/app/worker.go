package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"receiptwise/internal/util"
	"receiptwise/pkg/domain"
	"receiptwise/pkg/extract"
	"receiptwise/pkg/queue"
)

// failedMerchantPlaceholder labels receipts that fell back to minimal
// data so a human can spot and correct them.
const failedMerchantPlaceholder = "Extraction Failed - Manual Entry Required"

const ambiguousNotes = "No receipt could be detected in the uploaded image. It may be blurry, cropped, or not a receipt at all. The original file is preserved; edit this entry manually."

var purchaseDateLayouts = []string{
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// ProcessJob handles one delivery of an extraction job. Deliveries are
// at-least-once, so every transition here must be safe to apply again:
// updates are keyed by receipt id, terminal completed rows are left
// alone, and category creation is create-or-get.
func (a *App) ProcessJob(ctx context.Context, job queue.Job) (err error) {
	receiptID := job.Payload.ReceiptID
	log := util.LoggerFromContext(ctx).With("job_id", job.ID, "receipt_id", receiptID, "attempt", job.Attempts)

	// Whatever goes wrong below, the stored upload must still be
	// represented by a retrievable receipt row.
	defer func() {
		if r := recover(); r != nil {
			_ = a.store.MarkReceiptFailed(receiptID, failedMerchantPlaceholder, "receipt processing hit an unexpected error; the original image is preserved")
			err = fmt.Errorf("process receipt %s: panic: %v", receiptID, r)
			log.Error("extraction worker panicked", "panic", fmt.Sprint(r))
		}
	}()

	current, ok, err := a.store.GetReceipt(receiptID)
	if err != nil {
		return fmt.Errorf("load receipt %s: %w", receiptID, err)
	}
	if !ok {
		// Deleted while the job was in flight; benign race.
		log.Info("receipt gone before processing, dropping job")
		return nil
	}
	if current.Status == domain.StatusCompleted {
		log.Info("receipt already completed, skipping redelivery")
		return nil
	}

	if err := a.store.SetReceiptStatus(receiptID, domain.StatusProcessing, ""); err != nil {
		return fmt.Errorf("mark receipt %s processing: %w", receiptID, err)
	}
	_ = a.jobs.SetProgress(ctx, job.ID, 10)

	data, xerr := a.extractor.Extract(ctx, job.Payload.PresignedURL, job.Payload.FileType)
	if xerr != nil {
		if errors.Is(xerr, extract.ErrNoReceipt) {
			// The same image will not improve on reprocessing.
			if merr := a.store.MarkReceiptFailed(receiptID, failedMerchantPlaceholder, ambiguousNotes); merr != nil {
				return fmt.Errorf("mark receipt %s ambiguous: %w", receiptID, merr)
			}
			log.Warn("no receipt detected in image", "err", xerr)
			return queue.Permanent(xerr)
		}
		_ = a.store.SetReceiptStatus(receiptID, domain.StatusFailed, "extraction failed: "+xerr.Error())
		return fmt.Errorf("extract receipt %s: %w", receiptID, xerr)
	}
	_ = a.jobs.SetProgress(ctx, job.ID, 60)

	updated := a.receiptFromExtraction(current, data)
	categoryID, cerr := a.resolveCategory(job.Payload.OwnerID, job.Payload.CategoryOverride, data.CategoryGuess)
	if cerr != nil {
		_ = a.store.SetReceiptStatus(receiptID, domain.StatusFailed, "category resolution failed; extraction will be retried")
		return fmt.Errorf("resolve category for receipt %s: %w", receiptID, cerr)
	}
	updated.CategoryID = categoryID

	if err := a.store.ApplyExtraction(updated); err != nil {
		// The upload-time row still exists and must not sit in
		// processing once retries run out; a later successful retry
		// upgrades it back to completed.
		_ = a.store.SetReceiptStatus(receiptID, domain.StatusFailed, "extraction results could not be saved: "+err.Error())
		log.Error("persisting extraction failed", "err", err)
		return fmt.Errorf("persist extraction for receipt %s: %w", receiptID, err)
	}
	log.Info("receipt extraction completed", "merchant", updated.MerchantName, "total", updated.TotalAmount.String())
	return nil
}

// receiptFromExtraction folds extracted fields into the receipt,
// applying the lenient defaults: unparseable amounts become zero,
// a missing purchase date becomes the processing timestamp and a
// missing currency falls back to the configured default.
func (a *App) receiptFromExtraction(current domain.Receipt, data extract.ExtractedData) domain.Receipt {
	r := current
	merchant := strings.TrimSpace(data.MerchantName)
	if merchant == "" {
		merchant = "Unknown Merchant"
	}
	r.MerchantName = merchant
	if addr := strings.TrimSpace(data.MerchantAddress); addr != "" {
		r.MerchantAddress = &addr
	}
	r.PurchaseDate = parseDateOr(data.PurchaseDate, time.Now().UTC())
	r.Subtotal = parseAmount(data.Subtotal)
	r.TaxAmount = parseAmount(data.TaxTotal)
	r.TotalAmount = parseAmount(data.GrandTotal)
	if cur := strings.ToUpper(strings.TrimSpace(data.Currency)); cur != "" {
		r.Currency = cur
	} else {
		r.Currency = a.defaultCurrency
	}
	r.LineItems = lineItemsFromExtraction(data.LineItems)
	r.Status = domain.StatusCompleted
	return r
}

func lineItemsFromExtraction(items []extract.LineItem) []domain.LineItem {
	if len(items) == 0 {
		return nil
	}
	res := make([]domain.LineItem, 0, len(items))
	for _, it := range items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			continue
		}
		qty := parseAmount(it.Quantity)
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
		}
		res = append(res, domain.LineItem{
			Name:     name,
			Quantity: qty,
			Price:    parseAmount(it.Price),
		})
	}
	return res
}

func parseAmount(s string) decimal.Decimal {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseDateOr(s string, fallback time.Time) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	for _, layout := range purchaseDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}
