package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"receiptwise/pkg/domain"
	"receiptwise/pkg/extract"
	"receiptwise/pkg/queue"
	"receiptwise/pkg/store"
)

type fakeObjects struct {
	mu          sync.Mutex
	puts        map[string][]byte
	deleted     []string
	putErr      error
	presignErr  error
	presignBase string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{puts: make(map[string][]byte), presignBase: "https://objects.local/"}
}

func (f *fakeObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string, _ map[string]string) error {
	if f.putErr != nil {
		return f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts[key] = data
	return nil
}

func (f *fakeObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return f.presignBase + key, nil
}

func (f *fakeObjects) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.puts, key)
	f.deleted = append(f.deleted, key)
	return nil
}

type fakeQueue struct {
	mu         sync.Mutex
	enqueued   []queue.Payload
	jobs       map[string]queue.Job
	enqueueErr error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: make(map[string]queue.Job)}
}

func (f *fakeQueue) Enqueue(_ context.Context, p queue.Payload) (queue.Job, error) {
	if f.enqueueErr != nil {
		return queue.Job{}, f.enqueueErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	job := queue.Job{ID: fmt.Sprintf("job-%d", len(f.enqueued)+1), Payload: p, Status: queue.StatusWaiting}
	f.enqueued = append(f.enqueued, p)
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeQueue) GetJob(_ context.Context, jobID string) (queue.Job, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	return job, ok, nil
}

func (f *fakeQueue) SetProgress(_ context.Context, jobID string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.Progress = progress
		f.jobs[jobID] = job
	}
	return nil
}

func (f *fakeQueue) Run(ctx context.Context, _ int, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

type fakeExtractor struct {
	mu     sync.Mutex
	calls  int
	result extract.ExtractedData
	err    error
}

func (f *fakeExtractor) Extract(_ context.Context, _, _ string) (extract.ExtractedData, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return extract.ExtractedData{}, f.err
	}
	return f.result, nil
}

type testEnv struct {
	app       *App
	store     *store.MemoryStore
	objects   *fakeObjects
	jobs      *fakeQueue
	extractor *fakeExtractor
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:     store.NewMemoryStore(),
		objects:   newFakeObjects(),
		jobs:      newFakeQueue(),
		extractor: &fakeExtractor{},
	}
	a, err := New(Config{
		Store:          env.store,
		Objects:        env.objects,
		Jobs:           env.jobs,
		Extractor:      env.extractor,
		MaxUploadBytes: 1 << 20,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	env.app = a
	return env
}

func validUpload() (UploadInput, io.Reader) {
	body := "fake jpeg bytes"
	return UploadInput{
		OwnerID:     "owner-1",
		Filename:    "coffee-receipt.jpg",
		ContentType: "image/jpeg",
		Size:        int64(len(body)),
	}, strings.NewReader(body)
}

func TestUploadReceiptCreatesPendingRowAndJob(t *testing.T) {
	env := newTestEnv(t)
	in, body := validUpload()

	receipt, job, err := env.app.UploadReceipt(context.Background(), in, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if receipt.Status != domain.StatusPending {
		t.Fatalf("status = %q, want pending", receipt.Status)
	}
	if receipt.StorageKey == "" {
		t.Fatal("receipt has no storage key")
	}
	if _, ok := env.objects.puts[receipt.StorageKey]; !ok {
		t.Fatalf("object not stored under %q", receipt.StorageKey)
	}
	stored, ok, _ := env.store.GetReceipt(receipt.ID)
	if !ok {
		t.Fatal("receipt row not persisted")
	}
	if stored.OriginalFilename != "coffee-receipt.jpg" {
		t.Fatalf("original filename = %q", stored.OriginalFilename)
	}
	if len(env.jobs.enqueued) != 1 {
		t.Fatalf("enqueued %d jobs, want 1", len(env.jobs.enqueued))
	}
	p := env.jobs.enqueued[0]
	if p.ReceiptID != receipt.ID || p.OwnerID != "owner-1" || p.StorageKey != receipt.StorageKey {
		t.Fatalf("payload mismatch: %+v", p)
	}
	if !strings.HasPrefix(p.PresignedURL, "https://objects.local/") {
		t.Fatalf("presigned url = %q", p.PresignedURL)
	}
	if job.ID == "" {
		t.Fatal("no job id returned")
	}
}

func TestUploadReceiptRejectsUnsupportedType(t *testing.T) {
	env := newTestEnv(t)
	in, body := validUpload()
	in.ContentType = "text/plain"

	_, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
	if len(env.objects.puts) != 0 {
		t.Fatal("rejected upload reached the object store")
	}
}

func TestUploadReceiptRejectsOversizedFile(t *testing.T) {
	env := newTestEnv(t)
	in, body := validUpload()
	in.Size = 2 << 20

	_, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestUploadReceiptRejectsUnknownCategory(t *testing.T) {
	env := newTestEnv(t)
	in, body := validUpload()
	in.CategoryID = "missing-category"

	_, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestUploadReceiptAttachesKnownCategory(t *testing.T) {
	env := newTestEnv(t)
	cat, err := env.store.CreateOrGetCategory(domain.Category{ID: "cat-1", OwnerID: "owner-1", Name: "Dining"})
	if err != nil {
		t.Fatalf("seed category: %v", err)
	}
	in, body := validUpload()
	in.CategoryID = cat.ID

	receipt, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if receipt.CategoryID == nil || *receipt.CategoryID != cat.ID {
		t.Fatalf("category not attached: %+v", receipt.CategoryID)
	}
	if env.jobs.enqueued[0].CategoryOverride != cat.ID {
		t.Fatalf("override not forwarded: %+v", env.jobs.enqueued[0])
	}
}

func TestUploadReceiptStoreFailureCleansUpObject(t *testing.T) {
	env := newTestEnv(t)
	failing := &failingCreateStore{MemoryStore: env.store}
	a, err := New(Config{
		Store:     failing,
		Objects:   env.objects,
		Jobs:      env.jobs,
		Extractor: env.extractor,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	in, body := validUpload()

	_, _, err = a.UploadReceipt(context.Background(), in, body)
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	if len(env.objects.puts) != 0 {
		t.Fatal("orphaned object left after row creation failed")
	}
	if len(env.objects.deleted) != 1 {
		t.Fatalf("deleted %d objects, want 1", len(env.objects.deleted))
	}
}

func TestUploadReceiptEnqueueFailureLeavesFailedRow(t *testing.T) {
	env := newTestEnv(t)
	env.jobs.enqueueErr = errors.New("redis down")
	in, body := validUpload()

	receipt, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	stored, ok, _ := env.store.GetReceipt(receipt.ID)
	if !ok {
		t.Fatal("row dropped; upload was silently lost")
	}
	if stored.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", stored.Status)
	}
	if stored.MerchantName != failedMerchantPlaceholder {
		t.Fatalf("merchant = %q, want placeholder", stored.MerchantName)
	}
	if _, objOK := env.objects.puts[stored.StorageKey]; !objOK {
		t.Fatal("stored image removed; original must stay retrievable")
	}
}

func TestUploadReceiptPresignFailureLeavesFailedRow(t *testing.T) {
	env := newTestEnv(t)
	env.objects.presignErr = errors.New("minio unreachable")
	in, body := validUpload()

	receipt, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if err == nil {
		t.Fatal("expected upload to fail")
	}
	stored, ok, _ := env.store.GetReceipt(receipt.ID)
	if !ok || stored.Status != domain.StatusFailed {
		t.Fatalf("row state = ok=%v %+v, want failed row", ok, stored)
	}
	if len(env.jobs.enqueued) != 0 {
		t.Fatal("job enqueued without a usable presigned URL")
	}
}

func TestDeleteReceiptRemovesRowAndObject(t *testing.T) {
	env := newTestEnv(t)
	in, body := validUpload()
	receipt, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if err := env.app.DeleteReceipt(context.Background(), "owner-1", receipt.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := env.store.GetReceipt(receipt.ID); ok {
		t.Fatal("row still present")
	}
	if _, ok := env.objects.puts[receipt.StorageKey]; ok {
		t.Fatal("object still present")
	}
	if err := env.app.DeleteReceipt(context.Background(), "owner-1", receipt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestGetReceiptScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	in, body := validUpload()
	receipt, _, err := env.app.UploadReceipt(context.Background(), in, body)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	if _, err := env.app.GetReceipt("someone-else", receipt.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cross-owner read err = %v, want ErrNotFound", err)
	}
	got, err := env.app.GetReceipt("owner-1", receipt.ID)
	if err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if got.ID != receipt.ID {
		t.Fatalf("got %q, want %q", got.ID, receipt.ID)
	}
}

func TestNormalizeContentType(t *testing.T) {
	if got := NormalizeContentType("image/jpeg; charset=binary"); got != "image/jpeg" {
		t.Fatalf("got %q", got)
	}
	if got := NormalizeContentType(" IMAGE/PNG "); got != "image/png" {
		t.Fatalf("got %q", got)
	}
}

type failingCreateStore struct {
	*store.MemoryStore
}

func (f *failingCreateStore) CreateReceipt(domain.Receipt) error {
	return errors.New("database down")
}
