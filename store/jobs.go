package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

// Ingestion job states.
const (
	IngestPending    = "pending"
	IngestInProgress = "in_progress"
	IngestCompleted  = "completed"
	IngestFailed     = "failed"
	IngestPaused     = "paused"
	IngestCancelled  = "cancelled"
)

// ingestAllowedFrom maps each target ingestion state to the states a job
// may move from. Completed, failed and cancelled are terminal; paused
// jobs can resume.
var ingestAllowedFrom = map[string][]string{
	IngestInProgress: {IngestPending, IngestPaused, IngestFailed},
	IngestCompleted:  {IngestInProgress},
	IngestFailed:     {IngestPending, IngestInProgress},
	IngestPaused:     {IngestInProgress},
	IngestCancelled:  {IngestPending, IngestInProgress, IngestPaused},
}

// ErrInvalidTransition is returned when an ingestion job state change
// is not permitted from the job's current state.
var ErrInvalidTransition = errors.New("store: invalid ingestion state transition")

// Processing job states. Queued jobs killed by a batch cancel become
// failed; there is no cancelled state.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// priorityHigh outranks any batch-enqueue priority, so retried and
// released jobs are claimed before fresh work.
const priorityHigh = 1 << 20

// IngestionJob represents a row in the ingestion_jobs table.
type IngestionJob struct {
	ID         int64  `json:"id"`
	JobID      string `json:"job_id"`
	Kind       string `json:"kind"` // "url" or "upload"
	URL        string `json:"url,omitempty"`
	Filename   string `json:"filename,omitempty"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	DocumentPK *int64 `json:"document_pk,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// ProcessingJob represents a row in the processing_jobs table.
type ProcessingJob struct {
	ID              int64      `json:"id"`
	DocumentPK      int64      `json:"document_pk"`
	BatchID         string     `json:"batch_id"`
	State           string     `json:"state"`
	Progress        int        `json:"progress"`
	RetryCount      int        `json:"retry_count"`
	Error           string     `json:"error,omitempty"`
	WorkerID        string     `json:"worker_id,omitempty"`
	StripperVersion string     `json:"stripper_version,omitempty"`
	QueuedAt        string     `json:"queued_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// BatchCounts aggregates processing job states for one batch.
type BatchCounts struct {
	Total      int `json:"total"`
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// --- Ingestion jobs ---

// CreateIngestionJob records a new ingestion job in the pending state.
func (s *Store) CreateIngestionJob(ctx context.Context, jobID, kind, url, filename string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ingestion_jobs (job_id, kind, url, filename, state)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, kind, nullable(url), nullable(filename), IngestPending)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateIngestionJob moves an ingestion job to a new state. The update
// is guarded on the job's current state: ErrInvalidTransition when the
// move is not permitted, ErrNotFound for an unknown job.
func (s *Store) UpdateIngestionJob(ctx context.Context, jobID, state, errMsg string, documentPK *int64) error {
	from, ok := ingestAllowedFrom[state]
	if !ok {
		return ErrInvalidTransition
	}

	args := []any{state, nullable(errMsg), documentPK, jobID}
	placeholders := make([]string, len(from))
	for i, f := range from {
		placeholders[i] = "?"
		args = append(args, f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_jobs SET state = ?, error = ?, document_pk = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE job_id = ? AND state IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetIngestionJob(ctx, jobID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// GetIngestionJob retrieves an ingestion job by its public job_id.
func (s *Store) GetIngestionJob(ctx context.Context, jobID string) (*IngestionJob, error) {
	j := &IngestionJob{}
	var url, filename, errMsg sql.NullString
	var docPK sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, kind, url, filename, state, error, document_pk, created_at, updated_at
		FROM ingestion_jobs WHERE job_id = ?`, jobID).
		Scan(&j.ID, &j.JobID, &j.Kind, &url, &filename, &j.State, &errMsg, &docPK,
			&j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	j.URL = url.String
	j.Filename = filename.String
	j.Error = errMsg.String
	if docPK.Valid {
		j.DocumentPK = &docPK.Int64
	}
	return j, nil
}

// --- Processing jobs and queue ---

// EnqueueBatch creates queued processing jobs plus queue rows for every
// document, all in one transaction. Priority follows the given order so
// workers drain documents round-robin in submission order.
func (s *Store) EnqueueBatch(ctx context.Context, batchID string, documentPKs []int64, stripperVersion string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		jobStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO processing_jobs (document_pk, batch_id, state, stripper_version)
			VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer jobStmt.Close()

		queueStmt, err := tx.PrepareContext(ctx, `
			INSERT INTO processing_queue (processing_job_id, priority) VALUES (?, ?)`)
		if err != nil {
			return err
		}
		defer queueStmt.Close()

		for i, pk := range documentPKs {
			res, err := jobStmt.ExecContext(ctx, pk, batchID, JobQueued, stripperVersion)
			if err != nil {
				return err
			}
			jobID, err := res.LastInsertId()
			if err != nil {
				return err
			}
			// Earlier documents get higher priority.
			if _, err := queueStmt.ExecContext(ctx, jobID, len(documentPKs)-i); err != nil {
				return err
			}
		}
		return nil
	})
}

// ClaimNextJob atomically claims the highest-priority unclaimed queue
// entry for a worker. Returns ErrNotFound when the queue is empty.
func (s *Store) ClaimNextJob(ctx context.Context, batchID, workerID string) (*ProcessingJob, error) {
	var job *ProcessingJob
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var queueID, jobID int64
		err := tx.QueryRowContext(ctx, `
			SELECT q.id, q.processing_job_id
			FROM processing_queue q
			JOIN processing_jobs j ON j.id = q.processing_job_id
			WHERE q.claimed_by IS NULL AND j.batch_id = ? AND j.state = ?
			ORDER BY q.priority DESC, q.queued_at ASC
			LIMIT 1`, batchID, JobQueued).Scan(&queueID, &jobID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE processing_queue SET claimed_by = ?, claimed_at = CURRENT_TIMESTAMP
			WHERE id = ?`, workerID, queueID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE processing_jobs SET state = ?, worker_id = ?, started_at = CURRENT_TIMESTAMP
			WHERE id = ?`, JobProcessing, workerID, jobID); err != nil {
			return err
		}

		job = &ProcessingJob{}
		var errMsg, worker, version sql.NullString
		var started, finished sql.NullTime
		err = tx.QueryRowContext(ctx, processingJobSelect+" WHERE id = ?", jobID).
			Scan(&job.ID, &job.DocumentPK, &job.BatchID, &job.State, &job.Progress,
				&job.RetryCount, &errMsg, &worker, &version, &job.QueuedAt, &started, &finished)
		if err != nil {
			return err
		}
		job.Error = errMsg.String
		job.WorkerID = worker.String
		job.StripperVersion = version.String
		if started.Valid {
			t := started.Time
			job.StartedAt = &t
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

const processingJobSelect = `
	SELECT id, document_pk, batch_id, state, progress, retry_count,
		error, worker_id, stripper_version, queued_at, started_at, finished_at
	FROM processing_jobs`

// FinishJob records a terminal (or requeued) state for a processing job
// and releases its queue claim.
func (s *Store) FinishJob(ctx context.Context, jobID int64, state, errMsg string, progress int) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		finished := "CURRENT_TIMESTAMP"
		if state == JobQueued {
			finished = "NULL"
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE processing_jobs SET state = ?, error = ?, progress = ?,
				retry_count = retry_count + CASE WHEN ? != '' THEN 1 ELSE 0 END,
				finished_at = `+finished+`
			WHERE id = ?`,
			state, nullable(errMsg), progress, errMsg, jobID); err != nil {
			return err
		}
		if state == JobQueued {
			// Requeue: drop the claim so another worker can pick it up.
			_, err := tx.ExecContext(ctx, `
				UPDATE processing_queue SET claimed_by = NULL, claimed_at = NULL
				WHERE processing_job_id = ?`, jobID)
			return err
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM processing_queue WHERE processing_job_id = ?", jobID)
		return err
	})
}

// UpdateJobProgress sets the progress percentage for a running job.
func (s *Store) UpdateJobProgress(ctx context.Context, jobID int64, progress int) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE processing_jobs SET progress = ? WHERE id = ?", progress, jobID)
	return err
}

// ReleaseWorkerJobs requeues every job a dead worker held. Returns the
// number of jobs released.
func (s *Store) ReleaseWorkerJobs(ctx context.Context, workerID string) (int64, error) {
	var released int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE processing_jobs SET state = ?, worker_id = NULL, progress = 0, started_at = NULL
			WHERE worker_id = ? AND state = ?`, JobQueued, workerID, JobProcessing)
		if err != nil {
			return err
		}
		released, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE processing_queue SET claimed_by = NULL, claimed_at = NULL, priority = ?
			WHERE claimed_by = ?`, priorityHigh, workerID)
		return err
	})
	return released, err
}

// CancelBatch fails every still-queued job in a batch with the given
// reason and clears their queue entries. In-flight jobs are untouched;
// their workers finish them naturally.
func (s *Store) CancelBatch(ctx context.Context, batchID, reason string) (int64, error) {
	var cancelled int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE processing_jobs SET state = ?, error = ?, finished_at = CURRENT_TIMESTAMP
			WHERE batch_id = ? AND state = ?`,
			JobFailed, reason, batchID, JobQueued)
		if err != nil {
			return err
		}
		cancelled, err = res.RowsAffected()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			DELETE FROM processing_queue WHERE claimed_by IS NULL
				AND processing_job_id IN (
					SELECT id FROM processing_jobs WHERE batch_id = ?
				)`, batchID)
		return err
	})
	return cancelled, err
}

// RequeueFailedJobs resets failed jobs in a batch back to queued and
// restores their queue entries. Returns the number requeued.
func (s *Store) RequeueFailedJobs(ctx context.Context, batchID string) (int64, error) {
	var requeued int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT id FROM processing_jobs WHERE batch_id = ? AND state = ?",
			batchID, JobFailed)
		if err != nil {
			return err
		}
		var ids []int64
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE processing_jobs SET state = ?, error = NULL, worker_id = NULL,
					progress = 0, started_at = NULL, finished_at = NULL
				WHERE id = ?`, JobQueued, id); err != nil {
				return err
			}
			// Retried jobs jump the queue.
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO processing_queue (processing_job_id, priority) VALUES (?, ?)",
				id, priorityHigh); err != nil {
				return err
			}
		}
		requeued = int64(len(ids))
		return nil
	})
	return requeued, err
}

// CountBatch aggregates job states for one batch.
func (s *Store) CountBatch(ctx context.Context, batchID string) (*BatchCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM processing_jobs WHERE batch_id = ? GROUP BY state
	`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	c := &BatchCounts{}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		c.Total += n
		switch state {
		case JobQueued:
			c.Queued = n
		case JobProcessing:
			c.Processing = n
		case JobCompleted:
			c.Completed = n
		case JobFailed:
			c.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if c.Total == 0 {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListBatchJobs returns all processing jobs in a batch, queued first.
func (s *Store) ListBatchJobs(ctx context.Context, batchID string) ([]ProcessingJob, error) {
	rows, err := s.db.QueryContext(ctx, processingJobSelect+`
		WHERE batch_id = ? ORDER BY queued_at ASC, id ASC`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []ProcessingJob
	for rows.Next() {
		var j ProcessingJob
		var errMsg, worker, version sql.NullString
		var started, finished sql.NullTime
		if err := rows.Scan(&j.ID, &j.DocumentPK, &j.BatchID, &j.State, &j.Progress,
			&j.RetryCount, &errMsg, &worker, &version, &j.QueuedAt, &started, &finished); err != nil {
			return nil, err
		}
		j.Error = errMsg.String
		j.WorkerID = worker.String
		j.StripperVersion = version.String
		if started.Valid {
			t := started.Time
			j.StartedAt = &t
		}
		if finished.Valid {
			t := finished.Time
			j.FinishedAt = &t
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ActiveBatchID returns the batch id of any batch that still has queued
// or processing jobs, or "" when none is active.
func (s *Store) ActiveBatchID(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT batch_id FROM processing_jobs
		WHERE state IN (?, ?) LIMIT 1`, JobQueued, JobProcessing).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// QueueDepth reports unclaimed queue entries for a batch.
func (s *Store) QueueDepth(ctx context.Context, batchID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM processing_queue q
		JOIN processing_jobs j ON j.id = q.processing_job_id
		WHERE q.claimed_by IS NULL AND j.batch_id = ?`, batchID).Scan(&n)
	return n, err
}
