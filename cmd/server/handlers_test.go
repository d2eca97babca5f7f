//go:build cgo

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"govguide"
	"govguide/batch"
	"govguide/store"
)

func newTestHandler(t *testing.T) (*handler, *govguide.Service) {
	t.Helper()
	cfg := govguide.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "test.db")
	cfg.Vector.Backend = "local"

	svc, err := govguide.New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("creating service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return newHandler(svc), svc
}

func insertFailedDocument(t *testing.T, svc *govguide.Service, id string) {
	t.Helper()
	failed := false
	_, err := svc.Store().InsertDocument(context.Background(), store.Document{
		DocumentID:        id,
		CanonicalURL:      "https://www.gov.uk/guidance/" + id,
		Title:             "Guidance " + id,
		DocumentType:      "guidance",
		Source:            "url",
		ContentSHA256:     "sha-" + id,
		GuidanceText:      strings.Repeat("Applicants must provide evidence of residence. ", 20),
		ProcessingSuccess: &failed,
	})
	if err != nil {
		t.Fatalf("inserting document %s: %v", id, err)
	}
}

// ---- Batch status stream ----

func TestBatchStreamClosesOnTerminalStatus(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	insertFailedDocument(t, svc, "doc-a")
	res, err := svc.Batches().ReprocessFailed(ctx, batch.Config{Workers: 1, RetryAttempts: 0}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Batches().Cancel(ctx, res.BatchID, "tester"); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet,
		"/documents/reprocessing-status/"+res.BatchID+"/stream", nil)
	req.SetPathValue("id", res.BatchID)
	rec := httptest.NewRecorder()

	// The batch is already terminal, so the handler writes one snapshot
	// and returns instead of ticking.
	h.handleBatchStream(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q", cc)
	}
	if ab := rec.Header().Get("X-Accel-Buffering"); ab != "no" {
		t.Errorf("X-Accel-Buffering = %q", ab)
	}

	body := rec.Body.String()
	if !strings.HasPrefix(body, "data: ") {
		t.Fatalf("body is not an SSE event: %q", body)
	}
	var st batch.Status
	payload := strings.TrimSpace(strings.TrimPrefix(body, "data: "))
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		t.Fatalf("decoding event payload: %v", err)
	}
	if st.BatchID != res.BatchID {
		t.Errorf("batch id = %q, want %q", st.BatchID, res.BatchID)
	}
	if st.Status != "failed" {
		t.Errorf("status = %q, want failed", st.Status)
	}
	if n := strings.Count(body, "data: "); n != 1 {
		t.Errorf("events = %d, want exactly 1 before close", n)
	}
}

func TestBatchStreamUnknownBatch(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet,
		"/documents/reprocessing-status/reprocess-20260101-000000/stream", nil)
	req.SetPathValue("id", "reprocess-20260101-000000")
	rec := httptest.NewRecorder()

	h.handleBatchStream(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("error response Content-Type = %q", ct)
	}
}

// ---- Reprocess kickoff ----

func TestReprocessNoFailedDocuments(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/documents/reprocess-failed",
		strings.NewReader(`{"workers":2,"retry_attempts":1}`))
	rec := httptest.NewRecorder()

	h.handleReprocess(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestReprocessConflictReportsActiveBatch(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()

	insertFailedDocument(t, svc, "doc-a")
	res, err := svc.Batches().ReprocessFailed(ctx, batch.Config{Workers: 1, RetryAttempts: 0}, "tester")
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/documents/reprocess-failed",
		strings.NewReader(`{"workers":2,"retry_attempts":1}`))
	rec := httptest.NewRecorder()

	h.handleReprocess(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	var body struct {
		ActiveBatchID string `json:"active_batch_id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.ActiveBatchID != res.BatchID {
		t.Errorf("active_batch_id = %q, want %q", body.ActiveBatchID, res.BatchID)
	}
}

func TestReprocessInvalidConfig(t *testing.T) {
	h, svc := newTestHandler(t)
	insertFailedDocument(t, svc, "doc-a")

	req := httptest.NewRequest(http.MethodPost, "/documents/reprocess-failed",
		strings.NewReader(`{"workers":11,"retry_attempts":1}`))
	rec := httptest.NewRecorder()

	h.handleReprocess(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
