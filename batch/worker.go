package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"govguide/chunker"
	"govguide/decode"
	"govguide/llm"
	"govguide/store"
	"govguide/strip"
	"govguide/vectorstore"
)

// maxErrorLength caps stored job error messages.
const maxErrorLength = 500

// Pool drains a batch's queue with a fixed set of workers. Each worker
// claims jobs one at a time; a worker that dies mid-job leaves a claim
// that HandleWorkerFailure releases.
type Pool struct {
	store    *store.Store
	embedder llm.Embedder
	dense    vectorstore.Store
	chunker  *chunker.Chunker
	paused   atomic.Bool
}

// NewPool builds a worker pool.
func NewPool(s *store.Store, embedder llm.Embedder, dense vectorstore.Store) *Pool {
	return &Pool{
		store:    s,
		embedder: embedder,
		dense:    dense,
		chunker:  chunker.New(chunker.Config{}),
	}
}

// Pause stops workers from claiming new jobs. In-flight jobs finish.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume lets workers claim jobs again.
func (p *Pool) Resume() { p.paused.Store(false) }

// Paused reports whether the pool is paused.
func (p *Pool) Paused() bool { return p.paused.Load() }

// Run processes a batch to completion with cfg.Workers workers. It
// returns when the queue is drained or the context is cancelled.
func (p *Pool) Run(ctx context.Context, batchID string, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}

	if err := p.store.UpdateIngestionJob(ctx, batchID, store.IngestInProgress, "", nil); err != nil {
		slog.Warn("batch: marking parent job in progress", "batch_id", batchID, "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.NewString()[:8])
		g.Go(func() error {
			return p.runWorker(gctx, batchID, workerID, cfg.RetryAttempts)
		})
	}
	runErr := g.Wait()

	p.finishParentJob(batchID)
	return runErr
}

// finishParentJob records the batch outcome on the parent ingestion job.
// It runs even when the batch context is cancelled.
func (p *Pool) finishParentJob(batchID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := p.store.CountBatch(ctx, batchID)
	if err != nil {
		slog.Warn("batch: counting jobs for parent update", "batch_id", batchID, "error", err)
		return
	}
	state := store.IngestCompleted
	errMsg := ""
	if counts.Failed > 0 {
		state = store.IngestFailed
		errMsg = fmt.Sprintf("%d of %d documents failed", counts.Failed, counts.Total)
	}
	err = p.store.UpdateIngestionJob(ctx, batchID, state, errMsg, nil)
	if errors.Is(err, store.ErrInvalidTransition) {
		// A user cancel already moved the batch to a terminal state.
		return
	}
	if err != nil {
		slog.Warn("batch: updating parent job", "batch_id", batchID, "error", err)
	}
}

func (p *Pool) runWorker(ctx context.Context, batchID, workerID string, retryAttempts int) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if p.paused.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		job, err := p.store.ClaimNextJob(ctx, batchID, workerID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("claiming job: %w", err)
		}

		if err := p.processJob(ctx, job); err != nil {
			p.recordFailure(ctx, job, err, retryAttempts)
			continue
		}
		if err := p.store.FinishJob(ctx, job.ID, store.JobCompleted, "", 100); err != nil {
			return fmt.Errorf("finishing job %d: %w", job.ID, err)
		}
	}
}

// processJob re-runs the processing pipeline for one document: strip
// the stored raw content with the current chrome stripper, re-chunk the
// extracted text, replace the stored chunks, re-embed, and refresh the
// dense index. Documents without raw content fall back to their stored
// guidance text.
func (p *Pool) processJob(ctx context.Context, job *store.ProcessingJob) error {
	doc, err := p.store.GetDocument(ctx, job.DocumentPK)
	if err != nil {
		return fmt.Errorf("loading document %d: %w", job.DocumentPK, err)
	}
	_ = p.store.UpdateJobProgress(ctx, job.ID, 10)

	text := doc.GuidanceText
	chromeStats := doc.ChromeStats
	if doc.RawContent != "" {
		cleaned, stats := strip.HTML(doc.RawContent, doc.DocumentID)
		text, err = decode.HTMLToText(cleaned)
		if err != nil {
			return fmt.Errorf("extracting text for %s: %w", doc.DocumentID, err)
		}
		chromeStats = stats.JSON()
	}

	chunks := p.chunker.Chunk(text)
	if len(chunks) == 0 {
		return fmt.Errorf("document %s produced no chunks", doc.DocumentID)
	}
	rows := make([]store.Chunk, len(chunks))
	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		rows[i] = store.Chunk{Index: ch.Index, Start: ch.Start, End: ch.End, Content: ch.Text}
		texts[i] = ch.Text
	}
	chunkIDs, err := p.store.ReplaceChunks(ctx, doc.PK, rows)
	if err != nil {
		return fmt.Errorf("replacing chunks for %s: %w", doc.DocumentID, err)
	}
	_ = p.store.UpdateJobProgress(ctx, job.ID, 40)

	embeddings, err := p.embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %s: %w", doc.DocumentID, err)
	}
	if len(embeddings) != len(chunks) {
		return fmt.Errorf("embedding %s: got %d vectors for %d chunks",
			doc.DocumentID, len(embeddings), len(chunks))
	}
	_ = p.store.UpdateJobProgress(ctx, job.ID, 70)

	if err := p.dense.DeleteByDocument(ctx, doc.DocumentID); err != nil {
		return fmt.Errorf("clearing dense index for %s: %w", doc.DocumentID, err)
	}
	records := make([]vectorstore.ChunkRecord, len(chunks))
	for i := range chunks {
		records[i] = vectorstore.ChunkRecord{
			DocumentID:   doc.DocumentID,
			DocumentPK:   doc.PK,
			ChunkIndex:   chunks[i].Index,
			ChunkText:    chunks[i].Text,
			Title:        doc.Title,
			URL:          doc.CanonicalURL,
			DocumentType: doc.DocumentType,
			ChunkID:      chunkIDs[i],
			Embedding:    embeddings[i],
		}
	}
	if err := p.dense.Upsert(ctx, records); err != nil {
		return fmt.Errorf("indexing %s: %w", doc.DocumentID, err)
	}
	_ = p.store.UpdateJobProgress(ctx, job.ID, 90)

	if err := p.store.UpdateDocumentProcessed(ctx, doc.PK, true,
		text, chromeStats, strip.Version, len(chunks)); err != nil {
		return fmt.Errorf("marking %s processed: %w", doc.DocumentID, err)
	}
	return nil
}

// recordFailure requeues a failed job while retries remain, otherwise
// marks it failed for good and flags the document.
func (p *Pool) recordFailure(ctx context.Context, job *store.ProcessingJob, jobErr error, retryAttempts int) {
	msg := truncateError(jobErr)
	if job.RetryCount < retryAttempts {
		slog.Warn("batch: job failed, requeueing",
			"job_id", job.ID, "document_pk", job.DocumentPK,
			"attempt", job.RetryCount+1, "error", msg)
		if err := p.store.FinishJob(ctx, job.ID, store.JobQueued, msg, job.Progress); err != nil {
			slog.Error("batch: requeue failed", "job_id", job.ID, "error", err)
		}
		return
	}

	slog.Error("batch: job failed permanently",
		"job_id", job.ID, "document_pk", job.DocumentPK,
		"retries", job.RetryCount, "error", msg)
	if err := p.store.FinishJob(ctx, job.ID, store.JobFailed, msg, job.Progress); err != nil {
		slog.Error("batch: recording failure failed", "job_id", job.ID, "error", err)
	}
	if err := p.store.UpdateDocumentProcessed(ctx, job.DocumentPK, false,
		"", "", strip.Version, 0); err != nil {
		slog.Error("batch: flagging document failed",
			"document_pk", job.DocumentPK, "error", err)
	}
}

func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLength {
		return msg[:maxErrorLength]
	}
	return msg
}
