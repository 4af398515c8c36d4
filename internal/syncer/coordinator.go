package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
	"github.com/rackoot/racky.app-sub000/internal/queue"
)

// watermarkEpoch is the default incremental watermark for connections that
// have never completed a sync.
var watermarkEpoch = time.Unix(0, 0).UTC()

// JobStore is the job persistence surface the coordinator needs.
type JobStore interface {
	GetByID(ctx context.Context, jobID string) (*jobs.Job, error)
	ListChildren(ctx context.Context, parentJobID string) ([]jobs.Job, error)
	UpdateProgress(ctx context.Context, jobID string, progress int) error
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	CreateFailed(ctx context.Context, job *jobs.Job, reason string) error
}

// Enqueuer creates child jobs. Satisfied by the queue manager.
type Enqueuer interface {
	AddJob(ctx context.Context, queueName string, jobType jobs.JobType, workspaceID, userID string, parentJobID *string, payload interface{}, opts *queue.AddOptions) (*jobs.Job, error)
}

// Connections is the marketplace connection persistence surface.
type Connections interface {
	Get(ctx context.Context, workspaceID, connectionID string) (*Connection, error)
	SetSyncStatus(ctx context.Context, connectionID, status string) error
	Finalize(ctx context.Context, connectionID, status string, watermark time.Time) error
	ResetWatermark(ctx context.Context, connectionID string) error
}

// Catalog is the synced-item persistence surface.
type Catalog interface {
	Upsert(ctx context.Context, workspaceID, marketplace string, rec *CatalogRecord) error
	DeleteByConnection(ctx context.Context, workspaceID, marketplace string) (int64, error)
}

// Config holds coordinator tuning.
type Config struct {
	BatchSize      int
	PageSize       int
	ScanCeiling    int
	AdapterRPS     float64
	AdapterBurst   int
	RequestTimeout time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.BatchSize <= 0 {
		out.BatchSize = 50
	}
	if out.PageSize <= 0 {
		out.PageSize = 250
	}
	if out.ScanCeiling <= 0 {
		out.ScanCeiling = 10000
	}
	if out.AdapterRPS <= 0 {
		out.AdapterRPS = 2
	}
	if out.AdapterBurst <= 0 {
		out.AdapterBurst = 4
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	return out
}

// BatchResult is the stored result of one product-batch job.
type BatchResult struct {
	BatchNumber int      `json:"batch_number"`
	Processed   int      `json:"processed"`
	Failed      int      `json:"failed"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncResult is the stored result of a finished marketplace-sync parent.
type SyncResult struct {
	ConnectionID     string   `json:"connection_id"`
	Marketplace      string   `json:"marketplace"`
	TotalItems       int      `json:"total_items"`
	TotalBatches     int      `json:"total_batches"`
	CompletedBatches int      `json:"completed_batches"`
	FailedBatches    int      `json:"failed_batches"`
	ItemsProcessed   int      `json:"items_processed"`
	ItemsFailed      int      `json:"items_failed"`
	Errors           []string `json:"errors,omitempty"`
}

// Coordinator turns one marketplace-sync request into bounded, independently
// retryable batch jobs and keeps the parent's aggregate progress truthful.
type Coordinator struct {
	store       JobStore
	enqueuer    Enqueuer
	connections Connections
	catalog     Catalog
	adapters    *Registry
	config      Config
	logger      *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter

	recomputeMu sync.Mutex
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(store JobStore, enqueuer Enqueuer, connections Connections, catalog Catalog, adapters *Registry, config Config, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		enqueuer:    enqueuer,
		connections: connections,
		catalog:     catalog,
		adapters:    adapters,
		config:      config.withDefaults(),
		logger:      logger,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// limiter returns the per-connection rate limiter, creating it on first use.
// Marketplace APIs throttle per shop, so the bucket is keyed by connection.
func (c *Coordinator) limiter(connectionID string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()

	l, ok := c.limiters[connectionID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.config.AdapterRPS), c.config.AdapterBurst)
		c.limiters[connectionID] = l
	}
	return l
}

// RunSync handles a marketplace-sync parent job: it pages identifiers from
// the adapter, decomposes them into child batch jobs and defers completion to
// the aggregation triggered by each finishing child.
func (c *Coordinator) RunSync(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	payload, err := jobs.DecodeSyncPayload(job.Payload)
	if err != nil {
		return nil, err
	}
	if err := payload.Filters.Validate(); err != nil {
		return nil, err
	}

	adapter := c.adapters.Lookup(payload.Marketplace)
	if adapter == nil {
		return nil, jobs.NewValidationError("marketplace", fmt.Sprintf("no adapter for %q", payload.Marketplace))
	}

	conn, err := c.connections.Get(ctx, job.WorkspaceID, payload.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			return nil, jobs.NewValidationError("connection_id", "unknown connection")
		}
		return nil, jobs.NewTransientError(err)
	}

	creds, err := conn.Credentials()
	if err != nil {
		c.failConnection(ctx, conn.ID)
		return nil, err
	}

	if err := c.connections.SetSyncStatus(ctx, conn.ID, SyncStatusSyncing); err != nil {
		return nil, jobs.NewTransientError(err)
	}

	watermark := watermarkEpoch
	if payload.Force {
		if _, err := c.catalog.DeleteByConnection(ctx, job.WorkspaceID, payload.Marketplace); err != nil {
			c.failConnection(ctx, conn.ID)
			return nil, jobs.NewTransientError(err)
		}
		if err := c.connections.ResetWatermark(ctx, conn.ID); err != nil {
			c.failConnection(ctx, conn.ID)
			return nil, jobs.NewTransientError(err)
		}
	} else if conn.LastSyncAt != nil {
		watermark = *conn.LastSyncAt
	}

	ids, err := c.collectIdentifiers(ctx, adapter, creds, payload.Filters, watermark)
	if err != nil {
		c.failConnection(ctx, conn.ID)
		return nil, err
	}

	c.logger.Info("Sync identifiers collected",
		slog.String("job_id", job.JobID),
		slog.String("marketplace", payload.Marketplace),
		slog.Int("items", len(ids)),
		slog.Bool("force", payload.Force),
		slog.Time("watermark", watermark),
	)

	if len(ids) == 0 {
		finishedAt := time.Now().UTC()
		if err := c.connections.Finalize(ctx, conn.ID, SyncStatusCompleted, finishedAt); err != nil {
			return nil, jobs.NewTransientError(err)
		}
		result, _ := json.Marshal(SyncResult{
			ConnectionID: conn.ID,
			Marketplace:  payload.Marketplace,
		})
		return result, nil
	}

	batches := chunk(ids, c.config.BatchSize)
	enqueueFailed := 0
	for i, batch := range batches {
		batchPayload := jobs.ProductBatchPayload{
			ParentJobID:  job.JobID,
			ConnectionID: conn.ID,
			Marketplace:  payload.Marketplace,
			BatchNumber:  i + 1,
			TotalBatches: len(batches),
			ProductIDs:   batch,
		}

		_, err := c.enqueuer.AddJob(ctx, queue.ProductBatchQueue, jobs.TypeProductBatch,
			job.WorkspaceID, job.UserID, &job.JobID, batchPayload,
			&queue.AddOptions{Priority: job.Priority},
		)
		if err != nil {
			// Record the batch as a failed child so the planned count still
			// adds up and aggregation can finalize the parent as partial
			// success; a missing row would hold the parent open forever.
			enqueueFailed++
			c.logger.Error("Failed to enqueue batch job",
				slog.String("parent_job_id", job.JobID),
				slog.Int("batch_number", i+1),
				slog.String("error", err.Error()),
			)
			c.recordBatchFailure(ctx, job, batchPayload, err)
		}
	}

	if enqueueFailed == len(batches) {
		c.failConnection(ctx, conn.ID)
		return nil, jobs.NewTransientError(fmt.Errorf("no batch could be enqueued for sync %s", job.JobID))
	}

	c.logger.Info("Sync decomposed into batches",
		slog.String("job_id", job.JobID),
		slog.Int("batches", len(batches)),
		slog.Int("batch_size", c.config.BatchSize),
	)

	if enqueueFailed > 0 {
		// Enqueued children may all have finished already, in which case no
		// further child event will trigger aggregation.
		c.RecomputeParent(ctx, job.JobID)
	}

	return nil, queue.ErrDeferred
}

// recordBatchFailure persists a terminally-failed child for a batch that
// could not be enqueued, carrying the batch payload so the planned count
// survives into aggregation.
func (c *Coordinator) recordBatchFailure(ctx context.Context, parent *jobs.Job, batchPayload jobs.ProductBatchPayload, cause error) {
	raw, err := jobs.EncodePayload(jobs.TypeProductBatch, batchPayload)
	if err != nil {
		c.logger.Error("Failed to encode batch failure payload",
			slog.String("parent_job_id", parent.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	child := &jobs.Job{
		JobID:       uuid.New().String(),
		JobType:     jobs.TypeProductBatch,
		QueueName:   queue.ProductBatchQueue,
		Priority:    parent.Priority,
		UserID:      parent.UserID,
		WorkspaceID: parent.WorkspaceID,
		ParentJobID: &parent.JobID,
		Payload:     raw,
	}

	reason := fmt.Sprintf("failed to enqueue batch %d: %v", batchPayload.BatchNumber, cause)
	if err := c.store.CreateFailed(ctx, child, reason); err != nil {
		c.logger.Error("Failed to record batch enqueue failure",
			slog.String("parent_job_id", parent.JobID),
			slog.Int("batch_number", batchPayload.BatchNumber),
			slog.String("error", err.Error()),
		)
	}
}

// collectIdentifiers pages through the adapter. Query-capable adapters get
// the filter translated into their native syntax; the rest are filtered
// locally under the scan ceiling.
func (c *Coordinator) collectIdentifiers(ctx context.Context, adapter Adapter, creds Credentials, filters jobs.ProductSyncFilters, watermark time.Time) ([]string, error) {
	req := IdentifierRequest{
		UpdatedAfter: watermark,
		Filters:      filters,
		PageSize:     c.config.PageSize,
	}
	if adapter.SupportsQueryFilter() {
		req.Query = BuildQuery(filters, watermark)
	}

	var ids []string
	scanned := 0

	for {
		page, err := c.fetchPage(ctx, adapter, creds, req)
		if err != nil {
			return nil, err
		}

		for _, item := range page.Items {
			scanned++
			if adapter.SupportsQueryFilter() || MatchesFilters(item, filters) {
				ids = append(ids, item.ID)
			}
		}

		if scanned >= c.config.ScanCeiling {
			c.logger.Warn("Scan ceiling reached, truncating sync",
				slog.String("marketplace", adapter.Name()),
				slog.Int("scanned", scanned),
				slog.Int("ceiling", c.config.ScanCeiling),
			)
			break
		}

		if !page.HasMore {
			break
		}
		req.Cursor = page.NextCursor
	}

	return ids, nil
}

func (c *Coordinator) fetchPage(ctx context.Context, adapter Adapter, creds Credentials, req IdentifierRequest) (*IdentifierPage, error) {
	if err := c.limiter(creds.ShopDomain + "/" + adapter.Name()).Wait(ctx); err != nil {
		return nil, jobs.NewTransientError(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	page, err := adapter.FetchIdentifiers(callCtx, creds, req)
	if err != nil {
		return nil, classifyAdapterError(adapter.Name(), err)
	}

	return page, nil
}

// RunBatch handles one product-batch child job. A single item failure is
// recorded and skipped; the batch completes with a non-zero error count
// instead of failing.
func (c *Coordinator) RunBatch(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	payload, err := jobs.DecodeBatchPayload(job.Payload)
	if err != nil {
		return nil, err
	}

	adapter := c.adapters.Lookup(payload.Marketplace)
	if adapter == nil {
		return nil, jobs.NewValidationError("marketplace", fmt.Sprintf("no adapter for %q", payload.Marketplace))
	}

	conn, err := c.connections.Get(ctx, job.WorkspaceID, payload.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			return nil, jobs.NewValidationError("connection_id", "unknown connection")
		}
		return nil, jobs.NewTransientError(err)
	}

	creds, err := conn.Credentials()
	if err != nil {
		return nil, err
	}

	limiter := c.limiter(creds.ShopDomain + "/" + adapter.Name())

	result := BatchResult{BatchNumber: payload.BatchNumber}
	for i, externalID := range payload.ProductIDs {
		if err := limiter.Wait(ctx); err != nil {
			return nil, jobs.NewTransientError(err)
		}

		rec, err := c.fetchComplete(ctx, adapter, creds, externalID)
		if err != nil {
			var credErr *jobs.CredentialError
			if errors.As(err, &credErr) {
				// Auth is broken for the whole batch; no point continuing.
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, jobs.NewTransientError(ctx.Err())
			}
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", externalID, err))
			continue
		}

		if err := c.catalog.Upsert(ctx, job.WorkspaceID, payload.Marketplace, rec); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", externalID, err))
			continue
		}

		result.Processed++

		progress := (i + 1) * 100 / len(payload.ProductIDs)
		if err := c.store.UpdateProgress(ctx, job.JobID, progress); err != nil {
			c.logger.Warn("Failed to update batch progress",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch result: %w", err)
	}

	return encoded, nil
}

// RunIndividual handles one product-individual job: fetch a single record
// and upsert it.
func (c *Coordinator) RunIndividual(ctx context.Context, job *jobs.Job) (json.RawMessage, error) {
	env, err := jobs.DecodeEnvelope(job.Payload)
	if err != nil {
		return nil, err
	}
	var payload jobs.ProductIndividualPayload
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		return nil, jobs.ErrInvalidPayload
	}

	adapter := c.adapters.Lookup(payload.Marketplace)
	if adapter == nil {
		return nil, jobs.NewValidationError("marketplace", fmt.Sprintf("no adapter for %q", payload.Marketplace))
	}

	conn, err := c.connections.Get(ctx, job.WorkspaceID, payload.ConnectionID)
	if err != nil {
		if errors.Is(err, ErrConnectionNotFound) {
			return nil, jobs.NewValidationError("connection_id", "unknown connection")
		}
		return nil, jobs.NewTransientError(err)
	}

	creds, err := conn.Credentials()
	if err != nil {
		return nil, err
	}

	if err := c.limiter(creds.ShopDomain + "/" + adapter.Name()).Wait(ctx); err != nil {
		return nil, jobs.NewTransientError(err)
	}

	rec, err := c.fetchComplete(ctx, adapter, creds, payload.ProductID)
	if err != nil {
		return nil, err
	}

	if err := c.catalog.Upsert(ctx, job.WorkspaceID, payload.Marketplace, rec); err != nil {
		return nil, jobs.NewTransientError(err)
	}

	return json.Marshal(map[string]string{"external_id": rec.ExternalID})
}

func (c *Coordinator) fetchComplete(ctx context.Context, adapter Adapter, creds Credentials, externalID string) (*CatalogRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	rec, err := adapter.FetchComplete(callCtx, creds, externalID)
	if err != nil {
		return nil, classifyAdapterError(adapter.Name(), err)
	}

	return rec, nil
}

// RecomputeParent refreshes a parent's aggregate progress from its children
// and finalizes it once every child is terminal. Progress is the arithmetic
// mean over the planned batch count; batches failed after exhausting retries
// leave the parent completed with an error summary, not failed.
func (c *Coordinator) RecomputeParent(ctx context.Context, parentJobID string) {
	c.recomputeMu.Lock()
	defer c.recomputeMu.Unlock()

	parent, err := c.store.GetByID(ctx, parentJobID)
	if err != nil {
		c.logger.Error("Failed to load parent for aggregation",
			slog.String("parent_job_id", parentJobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if parent.Status.Terminal() {
		return
	}

	children, err := c.store.ListChildren(ctx, parentJobID)
	if err != nil {
		c.logger.Error("Failed to list children for aggregation",
			slog.String("parent_job_id", parentJobID),
			slog.String("error", err.Error()),
		)
		return
	}
	if len(children) == 0 {
		return
	}

	aggregate := AggregateChildren(children)

	if err := c.store.UpdateProgress(ctx, parentJobID, aggregate.Progress); err != nil {
		c.logger.Warn("Failed to update parent progress",
			slog.String("parent_job_id", parentJobID),
			slog.String("error", err.Error()),
		)
	}

	if !aggregate.AllTerminal {
		return
	}

	payload, err := jobs.DecodeSyncPayload(parent.Payload)
	if err != nil {
		c.logger.Error("Parent payload unreadable during finalization",
			slog.String("parent_job_id", parentJobID),
			slog.String("error", err.Error()),
		)
		return
	}

	summary := SyncResult{
		ConnectionID:     payload.ConnectionID,
		Marketplace:      payload.Marketplace,
		TotalItems:       aggregate.ItemsProcessed + aggregate.ItemsFailed,
		TotalBatches:     aggregate.TotalBatches,
		CompletedBatches: aggregate.CompletedBatches,
		FailedBatches:    aggregate.FailedBatches,
		ItemsProcessed:   aggregate.ItemsProcessed,
		ItemsFailed:      aggregate.ItemsFailed,
		Errors:           aggregate.Errors,
	}

	encoded, err := json.Marshal(summary)
	if err != nil {
		c.logger.Error("Failed to encode sync summary",
			slog.String("parent_job_id", parentJobID),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := c.store.MarkCompleted(ctx, parentJobID, encoded); err != nil {
		// A concurrent recompute may have finalized first; that is fine.
		c.logger.Debug("Parent finalization skipped",
			slog.String("parent_job_id", parentJobID),
			slog.String("reason", err.Error()),
		)
		return
	}

	watermark := time.Now().UTC()
	if parent.StartedAt != nil {
		// Items updated while the sync ran fall after the watermark and are
		// caught by the next incremental run.
		watermark = parent.StartedAt.UTC()
	}

	if err := c.connections.Finalize(ctx, payload.ConnectionID, SyncStatusCompleted, watermark); err != nil {
		c.logger.Error("Failed to finalize connection after sync",
			slog.String("connection_id", payload.ConnectionID),
			slog.String("error", err.Error()),
		)
	}

	c.logger.Info("Sync completed",
		slog.String("parent_job_id", parentJobID),
		slog.Int("batches", aggregate.TotalBatches),
		slog.Int("failed_batches", aggregate.FailedBatches),
		slog.Int("items_processed", aggregate.ItemsProcessed),
		slog.Int("items_failed", aggregate.ItemsFailed),
	)
}

// ChildAggregate is the rollup of a parent's children.
type ChildAggregate struct {
	Progress         int
	TotalBatches     int
	CompletedBatches int
	FailedBatches    int
	ItemsProcessed   int
	ItemsFailed      int
	Errors           []string
	AllTerminal      bool
}

// AggregateChildren computes the parent rollup: progress is the arithmetic
// mean over the planned batch count, so batches not yet created count as 0.
// The ordering of children never matters.
func AggregateChildren(children []jobs.Job) ChildAggregate {
	agg := ChildAggregate{TotalBatches: len(children)}

	// The planned batch count comes from the child payloads; it can exceed
	// the created rows while decomposition is still in flight.
	for i := range children {
		if p, err := jobs.DecodeBatchPayload(children[i].Payload); err == nil && p.TotalBatches > agg.TotalBatches {
			agg.TotalBatches = p.TotalBatches
		}
	}

	sum := 0
	terminal := 0
	for i := range children {
		child := &children[i]
		sum += child.Progress

		if !child.Status.Terminal() {
			continue
		}
		terminal++

		switch child.Status {
		case jobs.StatusCompleted:
			agg.CompletedBatches++
			if child.Result != nil {
				var r BatchResult
				if err := json.Unmarshal(child.Result, &r); err == nil {
					agg.ItemsProcessed += r.Processed
					agg.ItemsFailed += r.Failed
					agg.Errors = append(agg.Errors, r.Errors...)
				}
			}
		case jobs.StatusFailed:
			agg.FailedBatches++
			if child.FailedReason != "" {
				agg.Errors = append(agg.Errors, fmt.Sprintf("batch %s: %s", child.JobID, child.FailedReason))
			}
		}
	}

	if agg.TotalBatches > 0 {
		agg.Progress = sum / agg.TotalBatches
	}
	agg.AllTerminal = terminal == agg.TotalBatches

	return agg
}

func (c *Coordinator) failConnection(ctx context.Context, connectionID string) {
	if err := c.connections.SetSyncStatus(ctx, connectionID, SyncStatusFailed); err != nil {
		c.logger.Error("Failed to mark connection sync failed",
			slog.String("connection_id", connectionID),
			slog.String("error", err.Error()),
		)
	}
}

// classifyAdapterError maps adapter failures onto the retry taxonomy.
// Adapters signal auth failures with jobs.CredentialError; everything else
// from the network is transient.
func classifyAdapterError(marketplace string, err error) error {
	var credErr *jobs.CredentialError
	if errors.As(err, &credErr) {
		return err
	}

	var validation *jobs.ValidationError
	if errors.As(err, &validation) {
		return err
	}

	return jobs.NewTransientError(fmt.Errorf("%s adapter: %w", marketplace, err))
}

func chunk(ids []string, size int) [][]string {
	if size <= 0 {
		size = 50
	}

	var batches [][]string
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
