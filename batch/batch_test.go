//go:build cgo

package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"govguide/store"
	"govguide/strip"
	"govguide/vectorstore"
)

const testDim = 4

// fakeEmbedder returns fixed-dimension vectors, optionally failing the
// first N calls to exercise retries.
type fakeEmbedder struct {
	calls     atomic.Int32
	failFirst int32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	n := f.calls.Add(1)
	if n <= f.failFirst {
		return nil, fmt.Errorf("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(len(texts[i])), 1, 0, 0}
	}
	return out, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"), testDim)
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertFailedDocument(t *testing.T, s *store.Store, id string) int64 {
	t.Helper()
	failed := false
	pk, err := s.InsertDocument(context.Background(), store.Document{
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
	return pk
}

func TestConfigValidation(t *testing.T) {
	m := NewManager(newTestStore(t), nil)
	ctx := context.Background()

	for _, cfg := range []Config{
		{Workers: 0, RetryAttempts: 2},
		{Workers: 11, RetryAttempts: 2},
		{Workers: 4, RetryAttempts: -1},
		{Workers: 4, RetryAttempts: 6},
	} {
		if _, err := m.ReprocessFailed(ctx, cfg, "admin"); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("cfg %+v: err = %v, want ErrInvalidConfig", cfg, err)
		}
	}
}

func TestReprocessRequiresFailedDocuments(t *testing.T) {
	m := NewManager(newTestStore(t), nil)

	_, err := m.ReprocessFailed(context.Background(), Config{Workers: 2, RetryAttempts: 1}, "admin")
	if !errors.Is(err, ErrNoFailedDocuments) {
		t.Errorf("err = %v, want ErrNoFailedDocuments", err)
	}
}

func TestReprocessRefusesSecondBatch(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	first, err := m.ReprocessFailed(ctx, Config{Workers: 2, RetryAttempts: 1}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(first.BatchID, "reprocess-") {
		t.Errorf("batch id = %q", first.BatchID)
	}

	_, err = m.ReprocessFailed(ctx, Config{Workers: 2, RetryAttempts: 1}, "admin")
	if !errors.Is(err, ErrBatchActive) {
		t.Fatalf("err = %v, want ErrBatchActive", err)
	}
	var active *ActiveBatchError
	if !errors.As(err, &active) || active.BatchID != first.BatchID {
		t.Errorf("active batch error = %v", err)
	}
}

func TestPoolProcessesBatch(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	ids := []string{"doc-a", "doc-b", "doc-c"}
	for _, id := range ids {
		insertFailedDocument(t, s, id)
	}

	res, err := m.ReprocessFailed(ctx, Config{Workers: 3, RetryAttempts: 1}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if res.QueuedDocuments != 3 {
		t.Errorf("queued documents = %d", res.QueuedDocuments)
	}
	if res.ETASeconds != 6 {
		t.Errorf("eta = %d, want 6 (3 docs at 0.5/s)", res.ETASeconds)
	}
	if res.StatusURL != "/documents/reprocessing-status/"+res.BatchID {
		t.Errorf("status url = %q", res.StatusURL)
	}

	pool := NewPool(s, &fakeEmbedder{}, vectorstore.NewLocal(s))
	if err := pool.Run(ctx, res.BatchID, Config{Workers: 3, RetryAttempts: 1}); err != nil {
		t.Fatalf("pool run: %v", err)
	}

	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "completed" || st.Counts.Completed != 3 {
		t.Errorf("status = %+v", st)
	}
	if st.Progress != 100 {
		t.Errorf("progress = %d", st.Progress)
	}

	// Every document is repaired: chunks stored, embeddings indexed,
	// success flag set.
	for _, id := range ids {
		doc, err := s.GetDocumentByID(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if doc.ProcessingSuccess == nil || !*doc.ProcessingSuccess {
			t.Errorf("%s not marked processed", id)
		}
		if doc.ChunkCount == 0 {
			t.Errorf("%s has no chunks", id)
		}
	}
	info, err := vectorstore.NewLocal(s).Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if info.Points == 0 {
		t.Error("no embeddings indexed")
	}
}

func TestPoolRetriesTransientFailures(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 2}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	// First embed call fails; the retry succeeds.
	emb := &fakeEmbedder{failFirst: 1}
	pool := NewPool(s, emb, vectorstore.NewLocal(s))
	if err := pool.Run(ctx, res.BatchID, Config{Workers: 1, RetryAttempts: 2}); err != nil {
		t.Fatal(err)
	}

	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Counts.Completed != 1 {
		t.Errorf("status = %+v", st)
	}
	jobs, err := m.Jobs(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if jobs[0].RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", jobs[0].RetryCount)
	}
}

func TestPoolExhaustsRetries(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	pk := insertFailedDocument(t, s, "doc-a")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 1}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	emb := &fakeEmbedder{failFirst: 100}
	pool := NewPool(s, emb, vectorstore.NewLocal(s))
	if err := pool.Run(ctx, res.BatchID, Config{Workers: 1, RetryAttempts: 1}); err != nil {
		t.Fatal(err)
	}

	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "failed" || st.Counts.Failed != 1 {
		t.Errorf("status = %+v", st)
	}
	if n := emb.calls.Load(); n != 2 {
		t.Errorf("embed calls = %d, want initial attempt plus one retry", n)
	}

	doc, err := s.GetDocument(ctx, pk)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ProcessingSuccess == nil || *doc.ProcessingSuccess {
		t.Error("document should stay failed")
	}

	// RetryFailed puts it back in the queue for another run.
	n, err := m.RetryFailed(ctx, res.BatchID, "admin")
	if err != nil || n != 1 {
		t.Fatalf("retry failed: n=%d err=%v", n, err)
	}
	emb.failFirst = 0
	if err := pool.Run(ctx, res.BatchID, Config{Workers: 1, RetryAttempts: 1}); err != nil {
		t.Fatal(err)
	}
	st, err = m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "completed" {
		t.Errorf("status after retry = %+v", st)
	}
}

func TestCancelBatch(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	insertFailedDocument(t, s, "doc-b")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	n, err := m.Cancel(ctx, res.BatchID, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("cancelled %d jobs, want 2", n)
	}

	// Cancelled queue entries surface as failed jobs with a user-cancel
	// reason; the batch itself records cancelled on its parent job.
	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "failed" || st.Counts.Failed != 2 {
		t.Errorf("status = %+v", st)
	}
	jobs, err := m.Jobs(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.State != store.JobFailed || j.Error != "Cancelled by user" {
			t.Errorf("job %d: state=%q error=%q", j.ID, j.State, j.Error)
		}
	}
	parent, err := s.GetIngestionJob(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if parent.State != store.IngestCancelled {
		t.Errorf("parent state = %q, want cancelled", parent.State)
	}

	// A cancelled batch no longer blocks a new one.
	if _, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin"); err != nil {
		t.Errorf("new batch after cancel: %v", err)
	}

	if _, err := m.Cancel(ctx, "reprocess-19700101-000000", "admin"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("cancel of unknown batch: err = %v", err)
	}
}

func TestReprocessStampsStripperVersion(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	jobs, err := m.Jobs(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	for _, j := range jobs {
		if j.StripperVersion != strip.Version {
			t.Errorf("job %d stripper version = %q, want %q", j.ID, j.StripperVersion, strip.Version)
		}
	}
}

func TestPoolRestripsRawContent(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	// The stored guidance text still carries chrome from an older
	// stripper; the raw HTML is what reprocessing must start from.
	failed := false
	pk, err := s.InsertDocument(ctx, store.Document{
		DocumentID:    "doc-chrome",
		CanonicalURL:  "https://www.gov.uk/guidance/doc-chrome",
		Title:         "Apply for a licence",
		DocumentType:  "guidance",
		Source:        "url",
		ContentSHA256: "sha-chrome",
		RawContent: `<html><body>
			<div class="gem-c-cookie-banner">Cookies on GOV.UK</div>
			<header class="govuk-header">Menu</header>
			<main class="govuk-main-wrapper">
				<h1>Apply for a licence</h1>
				<p>You must apply before the deadline. Applicants provide evidence of residence and identity documents with the application form.</p>
			</main>
			<footer class="govuk-footer">Crown copyright</footer>
		</body></html>`,
		GuidanceText:      "Cookies on GOV.UK Menu Apply for a licence Crown copyright",
		ProcessingSuccess: &failed,
	})
	if err != nil {
		t.Fatal(err)
	}

	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	pool := NewPool(s, &fakeEmbedder{}, vectorstore.NewLocal(s))
	if err := pool.Run(ctx, res.BatchID, Config{Workers: 1, RetryAttempts: 0}); err != nil {
		t.Fatal(err)
	}

	doc, err := s.GetDocument(ctx, pk)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(doc.GuidanceText, "apply before the deadline") {
		t.Errorf("guidance text lost the body: %q", doc.GuidanceText)
	}
	if strings.Contains(doc.GuidanceText, "Cookies on GOV.UK") ||
		strings.Contains(doc.GuidanceText, "Crown copyright") {
		t.Errorf("guidance text still carries chrome: %q", doc.GuidanceText)
	}
	if doc.StripperVersion != strip.Version {
		t.Errorf("stripper version = %q, want %q", doc.StripperVersion, strip.Version)
	}
	chunks, err := s.GetChunksByDocument(ctx, pk)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range chunks {
		if strings.Contains(c.Content, "gem-c-cookie-banner") {
			t.Errorf("chunk %d carries raw markup", c.Index)
		}
	}
}

func TestStatusContract(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	for _, id := range []string{"doc-a", "doc-b", "doc-c"} {
		insertFailedDocument(t, s, id)
	}
	res, err := m.ReprocessFailed(ctx, Config{Workers: 2, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "in_progress" {
		t.Errorf("status with queued jobs = %q, want in_progress", st.Status)
	}
	if st.SuccessRate != 0 {
		t.Errorf("success rate with nothing finished = %v, want 0", st.SuccessRate)
	}
	if st.ETASeconds != 6 {
		t.Errorf("eta = %d, want 6 (3 pending at 0.5/s)", st.ETASeconds)
	}

	// One job finishes, one fails; the third stays in flight under a
	// named worker.
	a, err := s.ClaimNextJob(ctx, res.BatchID, "worker-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishJob(ctx, a.ID, store.JobCompleted, "", 100); err != nil {
		t.Fatal(err)
	}
	b, err := s.ClaimNextJob(ctx, res.BatchID, "worker-b")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.FinishJob(ctx, b.ID, store.JobFailed, "boom", 40); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNextJob(ctx, res.BatchID, "worker-c"); err != nil {
		t.Fatal(err)
	}

	st, err = m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "in_progress" {
		t.Errorf("status with an in-flight job = %q, want in_progress", st.Status)
	}
	if st.SuccessRate != 50 {
		t.Errorf("success rate = %v, want 50 (1 of 2 finished succeeded)", st.SuccessRate)
	}
	if len(st.ActiveWorkers) != 1 || st.ActiveWorkers[0] != "worker-c" {
		t.Errorf("active workers = %v, want [worker-c]", st.ActiveWorkers)
	}
}

func TestStatusExtrapolatesETA(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}
	job, err := s.ClaimNextJob(ctx, res.BatchID, "worker-a")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJobProgress(ctx, job.ID, 50); err != nil {
		t.Fatal(err)
	}

	// Ten seconds in at 50% extrapolates to roughly ten more.
	m.now = func() time.Time { return time.Now().Add(10 * time.Second) }
	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.ETASeconds < 9 || st.ETASeconds > 13 {
		t.Errorf("eta = %d, want ~10", st.ETASeconds)
	}
}

func TestPauseAndResume(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	// A pending batch cannot pause; only a running one can.
	if err := m.Pause(ctx, res.BatchID, "admin"); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("pause of pending batch: err = %v", err)
	}
	if err := s.UpdateIngestionJob(ctx, res.BatchID, store.IngestInProgress, "", nil); err != nil {
		t.Fatal(err)
	}
	if err := m.Pause(ctx, res.BatchID, "admin"); err != nil {
		t.Fatal(err)
	}
	parent, err := s.GetIngestionJob(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if parent.State != store.IngestPaused {
		t.Errorf("state = %q, want paused", parent.State)
	}

	if err := m.Resume(ctx, res.BatchID, "admin"); err != nil {
		t.Fatal(err)
	}
	parent, err = s.GetIngestionJob(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if parent.State != store.IngestInProgress {
		t.Errorf("state = %q, want in_progress", parent.State)
	}
}

func TestHandleWorkerFailure(t *testing.T) {
	s := newTestStore(t)
	m := NewManager(s, nil)
	ctx := context.Background()

	insertFailedDocument(t, s, "doc-a")
	res, err := m.ReprocessFailed(ctx, Config{Workers: 1, RetryAttempts: 0}, "admin")
	if err != nil {
		t.Fatal(err)
	}

	// A worker claims the job and dies without finishing it.
	if _, err := s.ClaimNextJob(ctx, res.BatchID, "worker-dead"); err != nil {
		t.Fatal(err)
	}
	released, err := m.HandleWorkerFailure(ctx, "worker-dead")
	if err != nil {
		t.Fatal(err)
	}
	if released != 1 {
		t.Errorf("released %d jobs, want 1", released)
	}

	// The job is claimable again and the batch completes.
	pool := NewPool(s, &fakeEmbedder{}, vectorstore.NewLocal(s))
	if err := pool.Run(ctx, res.BatchID, Config{Workers: 1, RetryAttempts: 0}); err != nil {
		t.Fatal(err)
	}
	st, err := m.Status(ctx, res.BatchID)
	if err != nil {
		t.Fatal(err)
	}
	if st.Status != "completed" {
		t.Errorf("status = %q", st.Status)
	}
}
