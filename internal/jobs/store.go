package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store owns all job persistence. Jobs are mutated by exactly one worker at a
// time (the claim below is the only path from queued to processing), so
// correctness does not depend on any cross-worker lock.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new Store instance.
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

const jobColumns = `
	job_id, job_type, queue_name, priority, user_id, workspace_id,
	parent_job_id, status, progress, attempts, max_attempts, payload, result,
	failed_reason, worker_id, created_at, updated_at, started_at, finished_at,
	last_heartbeat_at, queue_wait_ms, processing_ms`

// Create persists a new queued job. The record is visible to status queries
// before the caller publishes anything to the broker.
func (s *Store) Create(ctx context.Context, job *Job) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (
			job_id, job_type, queue_name, priority, user_id, workspace_id,
			parent_job_id, status, progress, attempts, max_attempts, payload,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $11, $11)
	`

	now := time.Now().UTC()
	job.Status = StatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, query,
		job.JobID, job.JobType, job.QueueName, job.Priority, job.UserID,
		job.WorkspaceID, job.ParentJobID, job.Status, job.MaxAttempts,
		[]byte(job.Payload), now,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	if err := appendHistory(ctx, tx, job.JobID, "", StatusQueued, "created"); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job creation: %w", err)
	}

	s.logger.Info("Job created",
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(job.JobType)),
		slog.String("queue", job.QueueName),
		slog.String("workspace_id", job.WorkspaceID),
	)

	return nil
}

// CreateFailed inserts a job record already in the terminal failed state.
// Used when a planned unit of work could never be enqueued: the record keeps
// the parent's aggregation accounting complete instead of leaving a hole.
func (s *Store) CreateFailed(ctx context.Context, job *Job, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO jobs (
			job_id, job_type, queue_name, priority, user_id, workspace_id,
			parent_job_id, status, progress, attempts, max_attempts, payload,
			failed_reason, finished_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0, $9, $10, $11, $12, $12, $12)
	`

	now := time.Now().UTC()
	job.Status = StatusFailed
	job.FailedReason = reason
	job.CreatedAt = now
	job.UpdatedAt = now

	_, err = tx.ExecContext(ctx, query,
		job.JobID, job.JobType, job.QueueName, job.Priority, job.UserID,
		job.WorkspaceID, job.ParentJobID, job.Status, job.MaxAttempts,
		[]byte(job.Payload), reason, now,
	)
	if err != nil {
		return fmt.Errorf("failed to create failed job: %w", err)
	}

	if err := appendHistory(ctx, tx, job.JobID, "", StatusFailed, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit failed job creation: %w", err)
	}

	s.logger.Warn("Job recorded as failed at creation",
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(job.JobType)),
		slog.String("reason", reason),
	)

	return nil
}

func appendHistory(ctx context.Context, tx *sqlx.Tx, jobID string, from, to Status, detail string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO job_history (job_id, from_status, to_status, detail, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, jobID, from, to, detail)
	if err != nil {
		return fmt.Errorf("failed to append job history: %w", err)
	}
	return nil
}

// Get retrieves a job scoped to its owning workspace. A job outside the
// caller's workspace is indistinguishable from a missing one.
func (s *Store) Get(ctx context.Context, workspaceID, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND workspace_id = $2`

	err := s.db.GetContext(ctx, &job, query, jobID, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetByID retrieves a job without workspace scoping. Reserved for internal
// paths (worker execution, callback resolution, parent aggregation) that
// operate on ids the system itself produced.
func (s *Store) GetByID(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetByQueue returns the job with the given id on the named queue, or nil
// when unknown. Never errors for "not found".
func (s *Store) GetByQueue(ctx context.Context, queueName, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1 AND queue_name = $2`

	err := s.db.GetContext(ctx, &job, query, jobID, queueName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// Claim transitions a queued job to processing under optimistic locking and
// stamps the attempt, start time and queue wait. Returns ErrAlreadyClaimed
// when another worker got there first.
func (s *Store) Claim(ctx context.Context, jobID, workerID string) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    attempts = attempts + 1,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    queue_wait_ms = CAST(EXTRACT(EPOCH FROM (NOW() - created_at)) * 1000 AS BIGINT),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		RETURNING ` + jobColumns

	var job Job
	err = tx.GetContext(ctx, &job, query, StatusProcessing, workerID, jobID, StatusQueued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed or not found",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, ErrAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	if err := appendHistory(ctx, tx, jobID, StatusQueued, StatusProcessing, "claimed by "+workerID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job claim: %w", err)
	}

	s.logger.Info("Job claimed",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", job.Attempts),
	)

	return &job, nil
}

// MarkCompleted finalizes a processing job with its result.
func (s *Store) MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error {
	return s.finish(ctx, jobID, StatusCompleted, result, "")
}

// MarkFailed finalizes a job as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, jobID, reason string) error {
	return s.finish(ctx, jobID, StatusFailed, nil, reason)
}

func (s *Store) finish(ctx context.Context, jobID string, status Status, result json.RawMessage, reason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE jobs
		SET status = $1,
		    result = COALESCE($2, result),
		    failed_reason = $3,
		    progress = CASE WHEN $1 = $4 THEN 100 ELSE progress END,
		    finished_at = NOW(),
		    processing_ms = CASE
		        WHEN started_at IS NOT NULL
		        THEN CAST(EXTRACT(EPOCH FROM (NOW() - started_at)) * 1000 AS BIGINT)
		        ELSE processing_ms
		    END,
		    updated_at = NOW()
		WHERE job_id = $5
		  AND status IN ($6, $7)
		RETURNING status
	`

	var resultBytes []byte
	if result != nil {
		resultBytes = []byte(result)
	}

	var newStatus Status
	err = tx.GetContext(ctx, &newStatus, query,
		status, resultBytes, reason, StatusCompleted, jobID,
		StatusProcessing, StatusStalled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: job %s is not processing", ErrInvalidTransition, jobID)
		}
		return fmt.Errorf("failed to finish job: %w", err)
	}

	if err := appendHistory(ctx, tx, jobID, StatusProcessing, status, reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit job finish: %w", err)
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", string(status)),
	)

	return nil
}

// RequeueForRetry moves a processing job back to queued for another attempt.
// Fails with ErrMaxAttemptsExceeded when the retry budget is spent; the
// caller must then mark the job terminally failed.
func (s *Store) RequeueForRetry(ctx context.Context, jobID, reason string) (*Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE jobs
		SET status = $1,
		    failed_reason = $2,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status IN ($4, $5)
		  AND attempts < max_attempts
		RETURNING ` + jobColumns

	var job Job
	err = tx.GetContext(ctx, &job, query, StatusQueued, reason, jobID, StatusProcessing, StatusStalled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMaxAttemptsExceeded
		}
		return nil, fmt.Errorf("failed to requeue job: %w", err)
	}

	// The retry loop passes through failed on its way back to queued.
	if err := appendHistory(ctx, tx, jobID, StatusProcessing, StatusFailed, reason); err != nil {
		return nil, err
	}
	if err := appendHistory(ctx, tx, jobID, StatusFailed, StatusQueued, "retry scheduled"); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit requeue: %w", err)
	}

	s.logger.Info("Job requeued for retry",
		slog.String("job_id", jobID),
		slog.Int("attempts", job.Attempts),
		slog.Int("max_attempts", job.MaxAttempts),
	)

	return &job, nil
}

// UpdateProgress raises a job's progress. Progress is clamped to [0,100] and
// never decreases while the job is processing.
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	query := `
		UPDATE jobs
		SET progress = GREATEST(progress, $1),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status = $3
	`

	_, err := s.db.ExecContext(ctx, query, progress, jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}

	return nil
}

// Heartbeat refreshes the liveness timestamp of a processing job.
func (s *Store) Heartbeat(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`, jobID, StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be processing)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}

// ReapStalled finds processing jobs whose worker stopped heartbeating, marks
// them stalled and immediately requeues the ones with retry budget left.
// Jobs out of budget go to terminal failed. Returns the requeued jobs so the
// queue manager can republish them. Job types in excludeTypes are skipped:
// those complete through aggregation or callbacks, not a live worker, so a
// quiet heartbeat is normal for them.
func (s *Store) ReapStalled(ctx context.Context, staleAfter time.Duration, excludeTypes []JobType) ([]Job, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	excluded := make([]string, 0, len(excludeTypes))
	for _, t := range excludeTypes {
		excluded = append(excluded, string(t))
	}

	var stalled []Job
	err = tx.SelectContext(ctx, &stalled, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE status = $1
		  AND last_heartbeat_at < NOW() - ($2 * INTERVAL '1 second')
		  AND job_type <> ALL($3)
		FOR UPDATE SKIP LOCKED
	`, StatusProcessing, int64(staleAfter.Seconds()), pq.Array(excluded))
	if err != nil {
		return nil, fmt.Errorf("failed to find stalled jobs: %w", err)
	}

	if len(stalled) == 0 {
		return nil, tx.Commit()
	}

	requeued := make([]Job, 0, len(stalled))
	for i := range stalled {
		job := stalled[i]

		if err := appendHistory(ctx, tx, job.JobID, StatusProcessing, StatusStalled, "worker heartbeat lost"); err != nil {
			return nil, err
		}

		if job.Attempts < job.MaxAttempts {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = $1, worker_id = NULL, updated_at = NOW()
				WHERE job_id = $2
			`, StatusQueued, job.JobID)
			if err != nil {
				return nil, fmt.Errorf("failed to requeue stalled job: %w", err)
			}
			if err := appendHistory(ctx, tx, job.JobID, StatusStalled, StatusQueued, "stalled job requeued"); err != nil {
				return nil, err
			}
			job.Status = StatusQueued
			requeued = append(requeued, job)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs
				SET status = $1, failed_reason = $2, finished_at = NOW(), updated_at = NOW()
				WHERE job_id = $3
			`, StatusFailed, "stalled with no retry budget left", job.JobID)
			if err != nil {
				return nil, fmt.Errorf("failed to fail stalled job: %w", err)
			}
			if err := appendHistory(ctx, tx, job.JobID, StatusStalled, StatusFailed, "no retry budget left"); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stalled reap: %w", err)
	}

	s.logger.Warn("Stalled jobs reaped",
		slog.Int("stalled", len(stalled)),
		slog.Int("requeued", len(requeued)),
	)

	return requeued, nil
}

// ListFilter narrows a workspace-scoped job listing.
type ListFilter struct {
	WorkspaceID string
	UserID      string
	Status      Status
	Limit       int
	Offset      int
}

// List returns jobs for one workspace, newest first, plus the total count for
// pagination.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Job, int, error) {
	if filter.WorkspaceID == "" {
		return nil, 0, NewValidationError("workspace_id", "required")
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}

	where := ` WHERE workspace_id = $1`
	args := []interface{}{filter.WorkspaceID}
	argIdx := 2

	if filter.UserID != "" {
		where += fmt.Sprintf(" AND user_id = $%d", argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}

	if filter.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`+where, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs` + where +
		fmt.Sprintf(" ORDER BY created_at DESC, job_id DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, filter.Limit, filter.Offset)

	var jobs []Job
	if err := s.db.SelectContext(ctx, &jobs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, total, nil
}

// ListChildren returns the child jobs of a parent, oldest first so batch
// numbers line up with creation order.
func (s *Store) ListChildren(ctx context.Context, parentJobID string) ([]Job, error) {
	var children []Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE parent_job_id = $1 ORDER BY created_at ASC, job_id ASC`

	if err := s.db.SelectContext(ctx, &children, query, parentJobID); err != nil {
		return nil, fmt.Errorf("failed to list child jobs: %w", err)
	}

	return children, nil
}

// ListQueuedBefore returns queued jobs created before the cutoff. Used by the
// startup recovery sweep to republish work whose broker message may have been
// lost across a restart.
func (s *Store) ListQueuedBefore(ctx context.Context, queueName string, cutoff time.Time) ([]Job, error) {
	var jobs []Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE queue_name = $1 AND status = $2 AND updated_at < $3`

	if err := s.db.SelectContext(ctx, &jobs, query, queueName, StatusQueued, cutoff); err != nil {
		return nil, fmt.Errorf("failed to list queued jobs: %w", err)
	}

	return jobs, nil
}

// QueueCounts is a point-in-time count of jobs by status for one queue.
type QueueCounts struct {
	Queued     int
	Processing int
	Stalled    int
	Completed  int
	Failed     int
}

// CountByQueue returns job counts by status for the named queue.
func (s *Store) CountByQueue(ctx context.Context, queueName string) (QueueCounts, error) {
	rows := []struct {
		Status Status `db:"status"`
		Count  int    `db:"count"`
	}{}

	err := s.db.SelectContext(ctx, &rows, `
		SELECT status, COUNT(*) AS count
		FROM jobs
		WHERE queue_name = $1
		GROUP BY status
	`, queueName)
	if err != nil {
		return QueueCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}

	var counts QueueCounts
	for _, row := range rows {
		switch row.Status {
		case StatusQueued:
			counts.Queued = row.Count
		case StatusProcessing:
			counts.Processing = row.Count
		case StatusStalled:
			counts.Stalled = row.Count
		case StatusCompleted:
			counts.Completed = row.Count
		case StatusFailed:
			counts.Failed = row.Count
		}
	}

	return counts, nil
}

// CompletedSince counts jobs on a queue completed after the given time.
func (s *Store) CompletedSince(ctx context.Context, queueName string, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM jobs
		WHERE queue_name = $1 AND status = $2 AND finished_at >= $3
	`, queueName, StatusCompleted, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count completed jobs: %w", err)
	}
	return count, nil
}

// CountFailuresSince counts terminally failed jobs across all queues after
// the given time. Feeds the emergency-rollback evaluation.
func (s *Store) CountFailuresSince(ctx context.Context, since time.Time) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND finished_at >= $2
	`, StatusFailed, since)
	if err != nil {
		return 0, fmt.Errorf("failed to count failures: %w", err)
	}
	return count, nil
}

// QueueTimings holds average wait and processing time for one queue.
type QueueTimings struct {
	AvgProcessingMS float64 `db:"avg_processing_ms"`
	AvgWaitMS       float64 `db:"avg_wait_ms"`
}

// Timings returns average processing and queue-wait time for jobs finished
// after the given time.
func (s *Store) Timings(ctx context.Context, queueName string, since time.Time) (QueueTimings, error) {
	var t QueueTimings
	err := s.db.GetContext(ctx, &t, `
		SELECT COALESCE(AVG(processing_ms), 0) AS avg_processing_ms,
		       COALESCE(AVG(queue_wait_ms), 0) AS avg_wait_ms
		FROM jobs
		WHERE queue_name = $1 AND finished_at >= $2
	`, queueName, since)
	if err != nil {
		return QueueTimings{}, fmt.Errorf("failed to query queue timings: %w", err)
	}
	return t, nil
}

// TypeStats is rolling-window performance data for one job type.
type TypeStats struct {
	JobType     JobType `db:"job_type"`
	Total       int     `db:"total"`
	Failed      int     `db:"failed"`
	FailureRate float64 `db:"-"`
	AvgMS       float64 `db:"avg_ms"`
	MinMS       float64 `db:"min_ms"`
	MaxMS       float64 `db:"max_ms"`
}

// TypePerformance returns per-job-type stats over a rolling window.
func (s *Store) TypePerformance(ctx context.Context, since time.Time) ([]TypeStats, error) {
	var stats []TypeStats
	err := s.db.SelectContext(ctx, &stats, `
		SELECT job_type,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE status = $1) AS failed,
		       COALESCE(AVG(processing_ms), 0) AS avg_ms,
		       COALESCE(MIN(processing_ms), 0) AS min_ms,
		       COALESCE(MAX(processing_ms), 0) AS max_ms
		FROM jobs
		WHERE finished_at >= $2
		GROUP BY job_type
	`, StatusFailed, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query type performance: %w", err)
	}

	for i := range stats {
		if stats[i].Total > 0 {
			stats[i].FailureRate = float64(stats[i].Failed) / float64(stats[i].Total)
		}
	}

	return stats, nil
}

// CleanFinished removes completed and terminally failed jobs older than the
// grace period, along with their history. Active and queued jobs are never
// touched.
func (s *Store) CleanFinished(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		DELETE FROM job_history
		WHERE job_id IN (
			SELECT job_id FROM jobs
			WHERE queue_name = $1
			  AND status IN ($2, $3)
			  AND finished_at < NOW() - ($4 * INTERVAL '1 second')
		)
	`, queueName, StatusCompleted, StatusFailed, int64(grace.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to clean job history: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE queue_name = $1
		  AND status IN ($2, $3)
		  AND finished_at < NOW() - ($4 * INTERVAL '1 second')
	`, queueName, StatusCompleted, StatusFailed, int64(grace.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to clean finished jobs: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit clean: %w", err)
	}

	if removed > 0 {
		s.logger.Info("Finished jobs cleaned",
			slog.String("queue", queueName),
			slog.Int64("removed", removed),
		)
	}

	return removed, nil
}

// DeleteQueued removes a not-yet-claimed job. A processing job cannot be
// preempted this way.
func (s *Store) DeleteQueued(ctx context.Context, workspaceID, jobID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE job_id = $1 AND workspace_id = $2 AND status = $3
	`, jobID, workspaceID, StatusQueued)
	if err != nil {
		return fmt.Errorf("failed to delete queued job: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrJobNotFound
	}

	return nil
}

// History returns the transition audit trail of one job, oldest first.
func (s *Store) History(ctx context.Context, workspaceID, jobID string) ([]HistoryEntry, error) {
	if _, err := s.Get(ctx, workspaceID, jobID); err != nil {
		return nil, err
	}

	var entries []HistoryEntry
	err := s.db.SelectContext(ctx, &entries, `
		SELECT id, job_id, from_status, to_status, detail, created_at
		FROM job_history
		WHERE job_id = $1
		ORDER BY id ASC
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get job history: %w", err)
	}

	return entries, nil
}
