// Package batch is the control plane for reprocessing runs: it creates
// batches over failed documents, reports their progress, and handles
// cancellation, retry, and worker failure.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"govguide/audit"
	"govguide/store"
	"govguide/strip"
)

// Sentinel errors.
var (
	ErrBatchActive       = errors.New("batch: another batch is still active")
	ErrBatchNotFound     = errors.New("batch: not found")
	ErrNoFailedDocuments = errors.New("batch: no failed documents to reprocess")
	ErrInvalidConfig     = errors.New("batch: invalid configuration")
	ErrNothingToRetry    = errors.New("batch: no failed jobs to retry")
)

const (
	minWorkers = 1
	maxWorkers = 10
	maxRetries = 5

	// docsPerSecond is the observed average processing throughput used
	// for ETA estimates.
	docsPerSecond = 0.5
)

// ActiveBatchError reports which batch blocked a new one.
type ActiveBatchError struct {
	BatchID string
}

func (e *ActiveBatchError) Error() string {
	return fmt.Sprintf("batch: %s is still active", e.BatchID)
}

func (e *ActiveBatchError) Is(target error) bool { return target == ErrBatchActive }

// Config controls one reprocessing run.
type Config struct {
	Workers       int `json:"workers"`
	RetryAttempts int `json:"retry_attempts"`
}

func (c Config) validate() error {
	if c.Workers < minWorkers || c.Workers > maxWorkers {
		return fmt.Errorf("%w: workers must be %d-%d, got %d",
			ErrInvalidConfig, minWorkers, maxWorkers, c.Workers)
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > maxRetries {
		return fmt.Errorf("%w: retry attempts must be 0-%d, got %d",
			ErrInvalidConfig, maxRetries, c.RetryAttempts)
	}
	return nil
}

// Status is the derived state of a batch. SuccessRate is a percentage
// over finished jobs.
type Status struct {
	BatchID       string            `json:"batch_id"`
	Status        string            `json:"status"`
	Counts        store.BatchCounts `json:"counts"`
	Progress      int               `json:"progress_percent"`
	SuccessRate   float64           `json:"success_rate"`
	ActiveWorkers []string          `json:"active_workers,omitempty"`
	ETASeconds    int               `json:"eta_seconds"`
	StartedAt     string            `json:"started_at,omitempty"`
	UpdatedAt     string            `json:"updated_at,omitempty"`
}

// StartResult describes a freshly created batch.
type StartResult struct {
	BatchID         string `json:"batch_id"`
	QueuedDocuments int    `json:"queued_documents"`
	Workers         int    `json:"workers"`
	ETASeconds      int    `json:"estimated_duration_seconds"`
	StatusURL       string `json:"status_url"`
}

// Manager owns batch lifecycle and status.
type Manager struct {
	store *store.Store
	audit audit.Sink
	now   func() time.Time
}

// NewManager builds a Manager.
func NewManager(s *store.Store, sink audit.Sink) *Manager {
	if sink == nil {
		sink = audit.Discard{}
	}
	return &Manager{store: s, audit: sink, now: time.Now}
}

// ReprocessFailed creates a batch over every document whose last
// processing run failed. Only one batch may be active at a time; a
// conflicting request returns ActiveBatchError so callers can report
// which batch is in the way.
func (m *Manager) ReprocessFailed(ctx context.Context, cfg Config, actor string) (*StartResult, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	active, err := m.store.ActiveBatchID(ctx)
	if err != nil {
		return nil, fmt.Errorf("checking active batch: %w", err)
	}
	if active != "" {
		return nil, &ActiveBatchError{BatchID: active}
	}

	docs, err := m.store.ListFailedDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing failed documents: %w", err)
	}
	if len(docs) == 0 {
		return nil, ErrNoFailedDocuments
	}

	batchID := "reprocess-" + m.now().UTC().Format("20060102-150405")
	// A cancel-and-restart inside one second needs a distinct id.
	for base, n := batchID, 2; ; n++ {
		_, err := m.store.GetIngestionJob(ctx, batchID)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("checking batch id %s: %w", batchID, err)
		}
		batchID = fmt.Sprintf("%s-%d", base, n)
	}

	pks := make([]int64, len(docs))
	for i, d := range docs {
		pks[i] = d.PK
	}
	if err := m.store.EnqueueBatch(ctx, batchID, pks, strip.Version); err != nil {
		return nil, fmt.Errorf("enqueueing batch %s: %w", batchID, err)
	}
	// Parent job carries the batch-level timestamps and terminal state.
	if _, err := m.store.CreateIngestionJob(ctx, batchID, "reprocess", "", ""); err != nil {
		return nil, fmt.Errorf("recording parent job for %s: %w", batchID, err)
	}

	m.audit.Record(ctx, audit.Entry{
		Event: "REPROCESS_START", Actor: actor, Subject: batchID, Outcome: audit.OutcomeSuccess,
		Context: map[string]any{"documents": len(docs), "workers": cfg.Workers},
	})
	slog.Info("batch: created reprocessing batch",
		"batch_id", batchID, "documents", len(docs), "workers", cfg.Workers)

	return &StartResult{
		BatchID:         batchID,
		QueuedDocuments: len(docs),
		Workers:         cfg.Workers,
		ETASeconds:      etaSeconds(len(docs)),
		StatusURL:       "/documents/reprocessing-status/" + batchID,
	}, nil
}

// Status reports the derived state of a batch.
func (m *Manager) Status(ctx context.Context, batchID string) (*Status, error) {
	counts, err := m.store.CountBatch(ctx, batchID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, err
	}

	s := &Status{
		BatchID:    batchID,
		Counts:     *counts,
		ETASeconds: etaSeconds(counts.Queued + counts.Processing),
	}
	done := counts.Completed + counts.Failed
	s.Progress = done * 100 / counts.Total
	if done > 0 {
		s.SuccessRate = float64(counts.Completed) * 100 / float64(done)
	}
	if parent, err := m.store.GetIngestionJob(ctx, batchID); err == nil {
		s.StartedAt = parent.CreatedAt
		s.UpdatedAt = parent.UpdatedAt
	}
	if jobs, err := m.store.ListBatchJobs(ctx, batchID); err == nil {
		for _, j := range jobs {
			if j.State == store.JobProcessing && j.WorkerID != "" {
				s.ActiveWorkers = append(s.ActiveWorkers, j.WorkerID)
			}
		}
		if eta, ok := m.extrapolateETA(jobs, counts.Queued); ok {
			s.ETASeconds = eta
		}
	}

	switch {
	case counts.Queued+counts.Processing > 0:
		s.Status = "in_progress"
	case counts.Failed == counts.Total:
		s.Status = "failed"
	case done == counts.Total:
		s.Status = "completed"
	default:
		s.Status = "queued"
	}
	return s, nil
}

// extrapolateETA derives a remaining-time estimate from the progress of
// in-flight jobs. Each running job contributes its own extrapolated
// remainder; queued jobs are costed at the average observed per-job
// time. Returns ok=false when no job has reported progress yet.
func (m *Manager) extrapolateETA(jobs []store.ProcessingJob, queued int) (int, bool) {
	var remaining, totalPerJob float64
	var observed int
	now := m.now()
	for _, j := range jobs {
		if j.State != store.JobProcessing || j.Progress <= 0 || j.StartedAt == nil {
			continue
		}
		elapsed := now.Sub(*j.StartedAt).Seconds()
		if elapsed <= 0 {
			continue
		}
		p := float64(j.Progress)
		remaining += elapsed * (100 - p) / p
		totalPerJob += elapsed * 100 / p
		observed++
	}
	if observed == 0 {
		return 0, false
	}
	remaining += totalPerJob / float64(observed) * float64(queued)
	return int(remaining), true
}

// Jobs lists all processing jobs in a batch.
func (m *Manager) Jobs(ctx context.Context, batchID string) ([]store.ProcessingJob, error) {
	jobs, err := m.store.ListBatchJobs(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrBatchNotFound
	}
	return jobs, nil
}

// Cancel fails every still-queued job in a batch with a user-cancel
// reason and moves the batch itself to cancelled. In-flight jobs finish
// naturally; completed and failed jobs keep their state.
func (m *Manager) Cancel(ctx context.Context, batchID, actor string) (int64, error) {
	if _, err := m.store.CountBatch(ctx, batchID); errors.Is(err, store.ErrNotFound) {
		return 0, ErrBatchNotFound
	} else if err != nil {
		return 0, err
	}

	n, err := m.store.CancelBatch(ctx, batchID, "Cancelled by user")
	if err != nil {
		return 0, err
	}
	if err := m.store.UpdateIngestionJob(ctx, batchID, store.IngestCancelled, "Cancelled by user", nil); err != nil {
		slog.Warn("batch: updating parent job after cancel", "batch_id", batchID, "error", err)
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "BATCH_CANCEL", Actor: actor, Subject: batchID, Outcome: audit.OutcomeSuccess,
		Context: map[string]any{"jobs_cancelled": n},
	})
	slog.Info("batch: cancelled", "batch_id", batchID, "jobs", n)
	return n, nil
}

// Pause moves a running batch to paused. Jobs already claimed by a
// worker finish; queued jobs wait until Resume.
func (m *Manager) Pause(ctx context.Context, batchID, actor string) error {
	if err := m.store.UpdateIngestionJob(ctx, batchID, store.IngestPaused, "", nil); err != nil {
		return err
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "BATCH_PAUSE", Actor: actor, Subject: batchID, Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// Resume moves a paused batch back to in progress.
func (m *Manager) Resume(ctx context.Context, batchID, actor string) error {
	if err := m.store.UpdateIngestionJob(ctx, batchID, store.IngestInProgress, "", nil); err != nil {
		return err
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "BATCH_RESUME", Actor: actor, Subject: batchID, Outcome: audit.OutcomeSuccess,
	})
	return nil
}

// RetryFailed requeues the failed jobs of a batch.
func (m *Manager) RetryFailed(ctx context.Context, batchID, actor string) (int64, error) {
	if _, err := m.store.CountBatch(ctx, batchID); errors.Is(err, store.ErrNotFound) {
		return 0, ErrBatchNotFound
	} else if err != nil {
		return 0, err
	}

	n, err := m.store.RequeueFailedJobs(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, ErrNothingToRetry
	}
	// A retry reopens a failed batch.
	if err := m.store.UpdateIngestionJob(ctx, batchID, store.IngestInProgress, "", nil); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		slog.Warn("batch: reopening parent job after retry", "batch_id", batchID, "error", err)
	}
	m.audit.Record(ctx, audit.Entry{
		Event: "BATCH_RETRY", Actor: actor, Subject: batchID, Outcome: audit.OutcomeSuccess,
		Context: map[string]any{"jobs_requeued": n},
	})
	return n, nil
}

// HandleWorkerFailure requeues every job a dead worker held so another
// worker can pick them up.
func (m *Manager) HandleWorkerFailure(ctx context.Context, workerID string) (int64, error) {
	n, err := m.store.ReleaseWorkerJobs(ctx, workerID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("batch: released jobs from dead worker",
			"worker_id", workerID, "jobs", n)
	}
	return n, nil
}

func etaSeconds(queued int) int {
	return int(float64(queued) / docsPerSecond)
}
