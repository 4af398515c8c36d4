package dto

import (
	"encoding/json"
	"time"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

// StartSyncRequest is the body of POST /api/v1/sync.
type StartSyncRequest struct {
	ConnectionID string          `json:"connection_id" binding:"required"`
	Marketplace  string          `json:"marketplace" binding:"required"`
	Force        bool            `json:"force"`
	Priority     string          `json:"priority"`
	Filters      json.RawMessage `json:"filters"`
}

// StartSyncResponse is the job handle returned for an accepted sync.
type StartSyncResponse struct {
	JobID     string `json:"job_id"`
	JobType   string `json:"job_type"`
	QueueName string `json:"queue_name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ListJobsRequest is the query surface of GET /api/v1/jobs.
type ListJobsRequest struct {
	Status   string `form:"status"`
	UserID   string `form:"user_id"`
	PageSize int    `form:"page_size"`
	Offset   int    `form:"offset"`
}

// ListJobsResponse is the listing contract.
type ListJobsResponse struct {
	Jobs    []JobDTO `json:"jobs"`
	Total   int      `json:"total"`
	HasMore bool     `json:"has_more"`
}

// ProgressDTO is the structured progress block of a job response.
type ProgressDTO struct {
	Current    int `json:"current"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// JobDTO is the public shape of one job.
type JobDTO struct {
	JobID        string          `json:"job_id"`
	JobType      string          `json:"job_type"`
	QueueName    string          `json:"queue_name"`
	Priority     string          `json:"priority"`
	UserID       string          `json:"user_id"`
	ParentJobID  *string         `json:"parent_job_id,omitempty"`
	Status       string          `json:"status"`
	Progress     ProgressDTO     `json:"progress"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Result       json.RawMessage `json:"result,omitempty"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    string          `json:"created_at"`
	UpdatedAt    string          `json:"updated_at"`
	StartedAt    *string         `json:"started_at,omitempty"`
	FinishedAt   *string         `json:"finished_at,omitempty"`
	ChildJobs    []JobDTO        `json:"child_jobs,omitempty"`
}

// AICallbackRequest is the body of POST /internal/ai/callback. Result fields
// beyond the envelope are carried through opaquely.
type AICallbackRequest struct {
	JobID   string          `json:"jobId" binding:"required"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Result  json.RawMessage `json:"result"`
}

// FromJob maps a job record to its public shape.
func FromJob(job *jobs.Job) JobDTO {
	d := JobDTO{
		JobID:       job.JobID,
		JobType:     string(job.JobType),
		QueueName:   job.QueueName,
		Priority:    string(job.Priority),
		UserID:      job.UserID,
		ParentJobID: job.ParentJobID,
		Status:      string(job.Status),
		Progress: ProgressDTO{
			Current:    job.Progress,
			Total:      100,
			Percentage: job.Progress,
		},
		Attempts:     job.Attempts,
		MaxAttempts:  job.MaxAttempts,
		Result:       job.Result,
		FailedReason: job.FailedReason,
		CreatedAt:    job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    job.UpdatedAt.Format(time.RFC3339),
	}

	if job.StartedAt != nil {
		s := job.StartedAt.Format(time.RFC3339)
		d.StartedAt = &s
	}
	if job.FinishedAt != nil {
		s := job.FinishedAt.Format(time.RFC3339)
		d.FinishedAt = &s
	}

	return d
}
