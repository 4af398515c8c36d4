package handler

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rackoot/racky.app-sub000/internal/health"
	"github.com/rackoot/racky.app-sub000/internal/jobs"
	"github.com/rackoot/racky.app-sub000/internal/queue"
)

// JobStore is the persistence surface handlers read and finalize jobs on.
type JobStore interface {
	Get(ctx context.Context, workspaceID, jobID string) (*jobs.Job, error)
	GetByID(ctx context.Context, jobID string) (*jobs.Job, error)
	List(ctx context.Context, filter jobs.ListFilter) ([]jobs.Job, int, error)
	ListChildren(ctx context.Context, parentJobID string) ([]jobs.Job, error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, jobID, reason string) error
}

// Enqueuer creates jobs. Satisfied by the queue manager.
type Enqueuer interface {
	AddJob(ctx context.Context, queueName string, jobType jobs.JobType, workspaceID, userID string, parentJobID *string, payload interface{}, opts *queue.AddOptions) (*jobs.Job, error)
}

// HealthReporter serves the aggregate health view.
type HealthReporter interface {
	SystemHealth(ctx context.Context) *health.SystemReport
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger       *slog.Logger
	Store        JobStore
	Enqueuer     Enqueuer
	Health       HealthReporter
	Marketplaces []string
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger       *slog.Logger
	store        JobStore
	enqueuer     Enqueuer
	health       HealthReporter
	marketplaces map[string]bool
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	marketplaces := make(map[string]bool, len(deps.Marketplaces))
	for _, m := range deps.Marketplaces {
		marketplaces[m] = true
	}

	return &JobHandler{
		logger:       deps.Logger,
		store:        deps.Store,
		enqueuer:     deps.Enqueuer,
		health:       deps.Health,
		marketplaces: marketplaces,
	}
}
