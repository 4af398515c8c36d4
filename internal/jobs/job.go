package jobs

import (
	"encoding/json"
	"time"
)

// JobType identifies the kind of work a job carries. Each type has its own
// payload variant; see payload.go.
type JobType string

const (
	TypeMarketplaceSync   JobType = "marketplace-sync"
	TypeProductBatch      JobType = "product-batch"
	TypeProductIndividual JobType = "product-individual"
	TypeAIScan            JobType = "ai-scan"
	TypeAIBatch           JobType = "ai-batch"
	TypeMarketplaceUpdate JobType = "marketplace-update"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusStalled    Status = "stalled"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is absorbing. A failed job is only
// terminal once its attempts are exhausted; the store enforces that guard.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether a status change is allowed by the job state
// machine. There is no queued -> completed shortcut: every job passes through
// processing.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusStalled
	case StatusFailed:
		// Retry loop; the store additionally checks attempts < max_attempts.
		return to == StatusQueued
	case StatusStalled:
		// Back to the queue for another attempt, or terminal failure when
		// the retry budget is spent.
		return to == StatusQueued || to == StatusFailed
	default:
		return false
	}
}

// Priority is the routing class of a job. It maps onto the broker's
// per-message priority range.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Level converts the priority class into an AMQP message priority.
func (p Priority) Level() uint8 {
	switch p {
	case PriorityLow:
		return 2
	case PriorityHigh:
		return 7
	case PriorityCritical:
		return 9
	default:
		return 5
	}
}

// Valid reports whether the priority class is one of the recognized values.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// Job is one persisted unit of asynchronous work.
type Job struct {
	JobID       string  `db:"job_id"`
	JobType     JobType `db:"job_type"`
	QueueName   string  `db:"queue_name"`
	Priority    Priority `db:"priority"`
	UserID      string  `db:"user_id"`
	WorkspaceID string  `db:"workspace_id"`
	ParentJobID *string `db:"parent_job_id"`

	Status      Status `db:"status"`
	Progress    int    `db:"progress"`
	Attempts    int    `db:"attempts"`
	MaxAttempts int    `db:"max_attempts"`

	Payload      json.RawMessage `db:"payload"`
	Result       json.RawMessage `db:"result"`
	FailedReason string          `db:"failed_reason"`
	WorkerID     *string         `db:"worker_id"`

	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
	StartedAt       *time.Time `db:"started_at"`
	FinishedAt      *time.Time `db:"finished_at"`
	LastHeartbeatAt *time.Time `db:"last_heartbeat_at"`

	QueueWaitMS  int64 `db:"queue_wait_ms"`
	ProcessingMS int64 `db:"processing_ms"`
}

// IsParent reports whether the job decomposes into child jobs.
func (j *Job) IsParent() bool {
	return j.JobType == TypeMarketplaceSync
}

// HistoryEntry is one append-only record of a status transition.
type HistoryEntry struct {
	ID         int64     `db:"id"`
	JobID      string    `db:"job_id"`
	FromStatus Status    `db:"from_status"`
	ToStatus   Status    `db:"to_status"`
	Detail     string    `db:"detail"`
	CreatedAt  time.Time `db:"created_at"`
}
