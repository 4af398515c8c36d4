package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rackoot/racky.app-sub000/internal/api/dto"
	"github.com/rackoot/racky.app-sub000/internal/api/requestctx"
	"github.com/rackoot/racky.app-sub000/internal/jobs"
	"github.com/rackoot/racky.app-sub000/internal/queue"
)

// StartSync handles POST /api/v1/sync
// Enqueues a marketplace-sync job for the caller's workspace.
func (h *JobHandler) StartSync(c *gin.Context) {
	var req dto.StartSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid sync request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	if !h.marketplaces[req.Marketplace] {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Unsupported marketplace: " + req.Marketplace,
		})
		return
	}

	priority := jobs.PriorityNormal
	if req.Priority != "" {
		priority = jobs.Priority(req.Priority)
		if !priority.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid priority: " + req.Priority,
			})
			return
		}
	}

	var filters jobs.ProductSyncFilters
	if len(req.Filters) > 0 {
		if err := json.Unmarshal(req.Filters, &filters); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid filters",
			})
			return
		}
	}
	if err := filters.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	workspaceID := requestctx.WorkspaceID(c)
	userID := requestctx.UserID(c)

	job, err := h.enqueuer.AddJob(c.Request.Context(),
		queue.MarketplaceSyncQueue, jobs.TypeMarketplaceSync,
		workspaceID, userID, nil,
		jobs.MarketplaceSyncPayload{
			ConnectionID: req.ConnectionID,
			Marketplace:  req.Marketplace,
			Force:        req.Force,
			Filters:      filters,
		},
		&queue.AddOptions{Priority: priority},
	)
	if err != nil {
		h.logger.Error("Failed to enqueue sync job",
			slog.String("workspace_id", workspaceID),
			slog.String("marketplace", req.Marketplace),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to start sync",
		})
		return
	}

	c.JSON(http.StatusAccepted, dto.StartSyncResponse{
		JobID:     job.JobID,
		JobType:   string(job.JobType),
		QueueName: job.QueueName,
		Status:    string(job.Status),
		CreatedAt: job.CreatedAt.Format(time.RFC3339),
	})
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns job status; jobs outside the caller's workspace read as not found.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	workspaceID := requestctx.WorkspaceID(c)

	job, err := h.store.Get(c.Request.Context(), workspaceID, jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	resp := dto.FromJob(job)

	if job.IsParent() {
		children, err := h.store.ListChildren(c.Request.Context(), job.JobID)
		if err != nil {
			h.logger.Error("Failed to list child jobs",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to get job",
			})
			return
		}

		resp.ChildJobs = make([]dto.JobDTO, len(children))
		for i := range children {
			resp.ChildJobs[i] = dto.FromJob(&children[i])
		}
		resp.Progress.Total = len(children) * 100
		resp.Progress.Current = 0
		for i := range children {
			resp.Progress.Current += children[i].Progress
		}
		resp.Progress.Percentage = job.Progress
	}

	c.JSON(http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs
// Workspace-scoped listing, newest first.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	filter := jobs.ListFilter{
		WorkspaceID: requestctx.WorkspaceID(c),
		UserID:      req.UserID,
		Status:      jobs.Status(req.Status),
		Limit:       req.PageSize,
		Offset:      req.Offset,
	}

	list, total, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		var validation *jobs.ValidationError
		if errors.As(err, &validation) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Error(),
			})
			return
		}
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	resp := dto.ListJobsResponse{
		Jobs:    make([]dto.JobDTO, len(list)),
		Total:   total,
		HasMore: req.Offset+len(list) < total,
	}
	for i := range list {
		resp.Jobs[i] = dto.FromJob(&list[i])
	}

	c.JSON(http.StatusOK, resp)
}

// GetHealth handles GET /api/v1/health
func (h *JobHandler) GetHealth(c *gin.Context) {
	report := h.health.SystemHealth(c.Request.Context())

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, report)
}

// AICallback handles POST /internal/ai/callback
// Finalizes an ai-scan job from the external scanner's webhook.
func (h *JobHandler) AICallback(c *gin.Context) {
	var req dto.AICallbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Missing or malformed jobId",
		})
		return
	}

	if _, err := uuid.Parse(req.JobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "jobId must be a valid UUID",
		})
		return
	}

	job, err := h.store.GetByID(c.Request.Context(), req.JobID)
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Job not found",
			})
			return
		}
		h.logger.Error("Failed to load callback job",
			slog.String("job_id", req.JobID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to process callback",
		})
		return
	}

	if job.JobType != jobs.TypeAIScan {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Job does not accept callbacks",
		})
		return
	}

	// A repeated callback for an already-finalized job is a no-op.
	if !job.Status.Terminal() {
		if req.Success {
			err = h.store.MarkCompleted(c.Request.Context(), job.JobID, req.Result)
		} else {
			reason := req.Error
			if reason == "" {
				reason = "ai scan failed"
			}
			err = h.store.MarkFailed(c.Request.Context(), job.JobID, reason)
		}
		if err != nil {
			h.logger.Error("Failed to finalize callback job",
				slog.String("job_id", req.JobID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to process callback",
			})
			return
		}

		job, err = h.store.GetByID(c.Request.Context(), req.JobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to process callback",
			})
			return
		}
	}

	h.logger.Info("AI callback processed",
		slog.String("job_id", job.JobID),
		slog.Bool("success", req.Success),
		slog.String("status", string(job.Status)),
	)

	c.JSON(http.StatusOK, dto.FromJob(job))
}
