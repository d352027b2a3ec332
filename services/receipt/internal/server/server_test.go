package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"receiptwise/pkg/extract"
	"receiptwise/pkg/queue"
	"receiptwise/pkg/store"
	"receiptwise/services/receipt/internal/app"
)

type stubObjects struct{}

func (stubObjects) Put(context.Context, string, io.Reader, int64, string, map[string]string) error {
	return nil
}

func (stubObjects) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.local/" + key, nil
}

func (stubObjects) Delete(context.Context, string) error { return nil }

type stubQueue struct {
	jobs map[string]queue.Job
}

func (s *stubQueue) Enqueue(_ context.Context, p queue.Payload) (queue.Job, error) {
	job := queue.Job{ID: "job-1", Payload: p, Status: queue.StatusWaiting}
	s.jobs[job.ID] = job
	return job, nil
}

func (s *stubQueue) GetJob(_ context.Context, id string) (queue.Job, bool, error) {
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *stubQueue) SetProgress(context.Context, string, int) error { return nil }

func (s *stubQueue) Run(ctx context.Context, _ int, _ queue.Handler) error {
	<-ctx.Done()
	return nil
}

type stubExtractor struct{}

func (stubExtractor) Extract(context.Context, string, string) (extract.ExtractedData, error) {
	return extract.ExtractedData{}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *stubQueue) {
	t.Helper()
	jobs := &stubQueue{jobs: make(map[string]queue.Job)}
	a, err := app.New(app.Config{
		Store:     store.NewMemoryStore(),
		Objects:   stubObjects{},
		Jobs:      jobs,
		Extractor: stubExtractor{},
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	srv := httptest.NewServer(New(Config{App: a}).Router())
	t.Cleanup(srv.Close)
	return srv, jobs
}

func multipartUpload(t *testing.T, url, contentType string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="receipt.jpg"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	if _, err := part.Write([]byte("fake image bytes")); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}

	req, err := http.NewRequest(http.MethodPost, url+"/receipts", &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-Id", "owner-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	return resp
}

func TestUploadEndpointCreatesReceiptAndJob(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := multipartUpload(t, srv.URL, "image/jpeg")
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, body = %s", resp.StatusCode, body)
	}
	var out struct {
		Receipt struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"receipt"`
		JobID string `json:"jobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Receipt.ID == "" || out.Receipt.Status != "pending" {
		t.Fatalf("receipt = %+v", out.Receipt)
	}
	if out.JobID != "job-1" {
		t.Fatalf("jobId = %q", out.JobID)
	}
}

func TestUploadEndpointRejectsUnsupportedType(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := multipartUpload(t, srv.URL, "text/plain")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestEndpointsRequireOwnerHeader(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/receipts")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestJobLookupScopedToOwner(t *testing.T) {
	srv, jobs := newTestServer(t)

	resp := multipartUpload(t, srv.URL, "image/png")
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("upload status = %d", resp.StatusCode)
	}
	if _, ok := jobs.jobs["job-1"]; !ok {
		t.Fatal("job not enqueued")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/jobs/job-1", nil)
	req.Header.Set("X-User-Id", "someone-else")
	other, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	other.Body.Close()
	if other.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-owner status = %d, want 404", other.StatusCode)
	}

	req.Header.Set("X-User-Id", "owner-1")
	owner, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer owner.Body.Close()
	if owner.StatusCode != http.StatusOK {
		t.Fatalf("owner status = %d", owner.StatusCode)
	}
	var job struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
	}
	if err := json.NewDecoder(owner.Body).Decode(&job); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if job.Status != queue.StatusWaiting {
		t.Fatalf("job status = %q", job.Status)
	}
}

func TestGetMissingReceiptReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/receipts/nope", nil)
	req.Header.Set("X-User-Id", "owner-1")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}
