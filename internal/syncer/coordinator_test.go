package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
	"github.com/rackoot/racky.app-sub000/internal/queue"
)

type fakeJobStore struct {
	jobs       map[string]*jobs.Job
	children   map[string][]jobs.Job
	progress   map[string]int
	completed  map[string]json.RawMessage
	failed     map[string]string
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:      make(map[string]*jobs.Job),
		children:  make(map[string][]jobs.Job),
		progress:  make(map[string]int),
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]string),
	}
}

func (f *fakeJobStore) GetByID(_ context.Context, jobID string) (*jobs.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeJobStore) ListChildren(_ context.Context, parentJobID string) ([]jobs.Job, error) {
	return f.children[parentJobID], nil
}

func (f *fakeJobStore) UpdateProgress(_ context.Context, jobID string, progress int) error {
	f.progress[jobID] = progress
	return nil
}

func (f *fakeJobStore) MarkCompleted(_ context.Context, jobID string, result json.RawMessage) error {
	f.completed[jobID] = result
	return nil
}

func (f *fakeJobStore) MarkFailed(_ context.Context, jobID, reason string) error {
	f.failed[jobID] = reason
	return nil
}

func (f *fakeJobStore) CreateFailed(_ context.Context, job *jobs.Job, reason string) error {
	job.Status = jobs.StatusFailed
	job.FailedReason = reason
	f.jobs[job.JobID] = job
	if job.ParentJobID != nil {
		f.children[*job.ParentJobID] = append(f.children[*job.ParentJobID], *job)
	}
	return nil
}

type enqueued struct {
	queueName string
	jobType   jobs.JobType
	parentID  string
	payload   interface{}
}

type fakeEnqueuer struct {
	added       []enqueued
	err         error
	failBatches map[int]bool
}

func (f *fakeEnqueuer) AddJob(_ context.Context, queueName string, jobType jobs.JobType, workspaceID, userID string, parentJobID *string, payload interface{}, opts *queue.AddOptions) (*jobs.Job, error) {
	if f.err != nil {
		return nil, f.err
	}
	if bp, ok := payload.(jobs.ProductBatchPayload); ok && f.failBatches[bp.BatchNumber] {
		return nil, errors.New("broker unavailable")
	}
	parent := ""
	if parentJobID != nil {
		parent = *parentJobID
	}
	f.added = append(f.added, enqueued{queueName: queueName, jobType: jobType, parentID: parent, payload: payload})
	return &jobs.Job{JobID: fmt.Sprintf("child-%d", len(f.added))}, nil
}

type fakeConnections struct {
	conn           *Connection
	statuses       []string
	finalized      []string
	watermark      *time.Time
	watermarkReset bool
}

func (f *fakeConnections) Get(_ context.Context, workspaceID, connectionID string) (*Connection, error) {
	if f.conn == nil || f.conn.ID != connectionID || f.conn.WorkspaceID != workspaceID {
		return nil, ErrConnectionNotFound
	}
	return f.conn, nil
}

func (f *fakeConnections) SetSyncStatus(_ context.Context, _ string, status string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeConnections) Finalize(_ context.Context, _ string, status string, watermark time.Time) error {
	f.finalized = append(f.finalized, status)
	f.watermark = &watermark
	return nil
}

func (f *fakeConnections) ResetWatermark(_ context.Context, _ string) error {
	f.watermarkReset = true
	f.conn.LastSyncAt = nil
	return nil
}

type fakeCatalog struct {
	upserts []string
	deleted bool
	failIDs map[string]bool
}

func (f *fakeCatalog) Upsert(_ context.Context, _, _ string, rec *CatalogRecord) error {
	if f.failIDs[rec.ExternalID] {
		return errors.New("constraint violation")
	}
	f.upserts = append(f.upserts, rec.ExternalID)
	return nil
}

func (f *fakeCatalog) DeleteByConnection(_ context.Context, _, _ string) (int64, error) {
	f.deleted = true
	return 3, nil
}

type fakeAdapter struct {
	name         string
	queryCapable bool
	items        []ItemSummary
	pageSize     int
	queries      []string
	fetchErr     map[string]error
	fetched      []string
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) SupportsQueryFilter() bool { return f.queryCapable }

func (f *fakeAdapter) FetchIdentifiers(_ context.Context, _ Credentials, req IdentifierRequest) (*IdentifierPage, error) {
	f.queries = append(f.queries, req.Query)

	size := f.pageSize
	if size <= 0 {
		size = len(f.items)
	}

	start := 0
	if req.Cursor != "" {
		fmt.Sscanf(req.Cursor, "%d", &start)
	}
	end := start + size
	if end > len(f.items) {
		end = len(f.items)
	}

	page := &IdentifierPage{Items: f.items[start:end]}
	if end < len(f.items) {
		page.HasMore = true
		page.NextCursor = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *fakeAdapter) FetchComplete(_ context.Context, _ Credentials, externalID string) (*CatalogRecord, error) {
	if err := f.fetchErr[externalID]; err != nil {
		return nil, err
	}
	f.fetched = append(f.fetched, externalID)
	return &CatalogRecord{ExternalID: externalID, Title: "item " + externalID}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCoordinator(store *fakeJobStore, enq *fakeEnqueuer, conns *fakeConnections, catalog *fakeCatalog, adapter Adapter) *Coordinator {
	return NewCoordinator(store, enq, conns, catalog, NewRegistry(adapter), Config{
		BatchSize:    2,
		PageSize:     10,
		ScanCeiling:  100,
		AdapterRPS:   10000,
		AdapterBurst: 10000,
	}, testLogger())
}

func testConnection(lastSync *time.Time) *Connection {
	return &Connection{
		ID:             "conn-1",
		WorkspaceID:    "ws-1",
		Marketplace:    "shopify",
		CredentialsRaw: json.RawMessage(`{"shop_domain":"test.myshopify.com","access_token":"tok"}`),
		LastSyncAt:     lastSync,
		SyncStatus:     SyncStatusPending,
	}
}

func syncJob(t *testing.T, force bool) *jobs.Job {
	t.Helper()
	payload, err := jobs.EncodePayload(jobs.TypeMarketplaceSync, jobs.MarketplaceSyncPayload{
		ConnectionID: "conn-1",
		Marketplace:  "shopify",
		Force:        force,
	})
	require.NoError(t, err)

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	return &jobs.Job{
		JobID:       "parent-1",
		JobType:     jobs.TypeMarketplaceSync,
		WorkspaceID: "ws-1",
		UserID:      "user-1",
		Priority:    jobs.PriorityNormal,
		Payload:     payload,
		StartedAt:   &started,
	}
}

func TestRunSync_DecomposesIntoBatches(t *testing.T) {
	adapter := &fakeAdapter{
		name:         "shopify",
		queryCapable: true,
		items: []ItemSummary{
			{ID: "p1"}, {ID: "p2"}, {ID: "p3"}, {ID: "p4"}, {ID: "p5"},
		},
	}
	enq := &fakeEnqueuer{}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), enq, conns, &fakeCatalog{}, adapter)

	result, err := coord.RunSync(context.Background(), syncJob(t, false))

	assert.Nil(t, result)
	assert.ErrorIs(t, err, queue.ErrDeferred)

	// 5 ids at batch size 2 -> 3 children
	require.Len(t, enq.added, 3)
	for i, child := range enq.added {
		assert.Equal(t, queue.ProductBatchQueue, child.queueName)
		assert.Equal(t, jobs.TypeProductBatch, child.jobType)
		assert.Equal(t, "parent-1", child.parentID)

		batch := child.payload.(jobs.ProductBatchPayload)
		assert.Equal(t, i+1, batch.BatchNumber)
		assert.Equal(t, 3, batch.TotalBatches)
	}

	last := enq.added[2].payload.(jobs.ProductBatchPayload)
	assert.Equal(t, []string{"p5"}, last.ProductIDs)

	assert.Equal(t, []string{SyncStatusSyncing}, conns.statuses)
}

func TestRunSync_IncrementalWatermarkInQuery(t *testing.T) {
	lastSync := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{name: "shopify", queryCapable: true}
	conns := &fakeConnections{conn: testConnection(&lastSync)}
	coord := testCoordinator(newFakeJobStore(), &fakeEnqueuer{}, conns, &fakeCatalog{}, adapter)

	_, err := coord.RunSync(context.Background(), syncJob(t, false))
	require.NoError(t, err)

	require.Len(t, adapter.queries, 1)
	assert.Contains(t, adapter.queries[0], "updated_at:>'2024-04-01T00:00:00Z'")
}

func TestRunSync_ForceResync(t *testing.T) {
	lastSync := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	adapter := &fakeAdapter{name: "shopify", queryCapable: true, items: []ItemSummary{{ID: "p1"}}}
	conns := &fakeConnections{conn: testConnection(&lastSync)}
	catalog := &fakeCatalog{}
	coord := testCoordinator(newFakeJobStore(), &fakeEnqueuer{}, conns, catalog, adapter)

	_, err := coord.RunSync(context.Background(), syncJob(t, true))
	assert.ErrorIs(t, err, queue.ErrDeferred)

	assert.True(t, catalog.deleted)
	assert.True(t, conns.watermarkReset)
	// Forced syncs scan from the epoch, not the stored watermark.
	assert.NotContains(t, adapter.queries[0], "2024-04-01")
}

func TestRunSync_NoItemsCompletesImmediately(t *testing.T) {
	adapter := &fakeAdapter{name: "shopify", queryCapable: true}
	conns := &fakeConnections{conn: testConnection(nil)}
	enq := &fakeEnqueuer{}
	coord := testCoordinator(newFakeJobStore(), enq, conns, &fakeCatalog{}, adapter)

	result, err := coord.RunSync(context.Background(), syncJob(t, false))

	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Empty(t, enq.added)
	assert.Equal(t, []string{SyncStatusCompleted}, conns.finalized)
}

func TestRunSync_UnknownConnection(t *testing.T) {
	adapter := &fakeAdapter{name: "shopify", queryCapable: true}
	coord := testCoordinator(newFakeJobStore(), &fakeEnqueuer{}, &fakeConnections{}, &fakeCatalog{}, adapter)

	_, err := coord.RunSync(context.Background(), syncJob(t, false))

	require.Error(t, err)
	assert.False(t, jobs.IsRetryable(err))
}

func TestRunSync_PostFetchFiltering(t *testing.T) {
	adapter := &fakeAdapter{
		name:         "shopify",
		queryCapable: false,
		items: []ItemSummary{
			{ID: "p1", Status: "active", Vendor: "Acme"},
			{ID: "p2", Status: "draft", Vendor: "Acme"},
			{ID: "p3", Status: "active", Vendor: "Globex"},
		},
	}
	enq := &fakeEnqueuer{}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), enq, conns, &fakeCatalog{}, adapter)

	payload, err := jobs.EncodePayload(jobs.TypeMarketplaceSync, jobs.MarketplaceSyncPayload{
		ConnectionID: "conn-1",
		Marketplace:  "shopify",
		Filters: jobs.ProductSyncFilters{
			Status:  jobs.FilterStatusActiveOnly,
			Vendors: []string{"Acme"},
		},
	})
	require.NoError(t, err)

	job := syncJob(t, false)
	job.Payload = payload

	_, err = coord.RunSync(context.Background(), job)
	assert.ErrorIs(t, err, queue.ErrDeferred)

	require.Len(t, enq.added, 1)
	batch := enq.added[0].payload.(jobs.ProductBatchPayload)
	assert.Equal(t, []string{"p1"}, batch.ProductIDs)
	// No native filtering: the adapter never sees a query expression.
	assert.Equal(t, "", adapter.queries[0])
}

func TestRunSync_ShopifyNarrowsAndFilters(t *testing.T) {
	body := `{"products":[
		{"id":1,"status":"active","vendor":"Acme","updated_at":"2024-05-01T10:00:00Z"},
		{"id":2,"status":"draft","vendor":"Globex","updated_at":"2024-05-02T11:00:00Z"},
		{"id":3,"status":"active","vendor":"Globex","updated_at":"2024-05-03T12:00:00Z"}
	]}`
	client, captured := shopifyClient(http.StatusOK, body, http.Header{})
	adapter := NewShopifyAdapter(client)

	enq := &fakeEnqueuer{}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), enq, conns, &fakeCatalog{}, adapter)

	payload, err := jobs.EncodePayload(jobs.TypeMarketplaceSync, jobs.MarketplaceSyncPayload{
		ConnectionID: "conn-1",
		Marketplace:  "shopify",
		Filters: jobs.ProductSyncFilters{
			Status:  jobs.FilterStatusActiveOnly,
			Vendors: []string{"Acme"},
		},
	})
	require.NoError(t, err)

	job := syncJob(t, false)
	job.Payload = payload

	_, err = coord.RunSync(context.Background(), job)
	assert.ErrorIs(t, err, queue.ErrDeferred)

	// The draft and the off-vendor products never reach a batch.
	require.Len(t, enq.added, 1)
	batch := enq.added[0].payload.(jobs.ProductBatchPayload)
	assert.Equal(t, []string{"1"}, batch.ProductIDs)

	// Status narrows at the source; vendor is culled after the fetch.
	assert.Equal(t, "active", captured.URL.Query().Get("status"))
}

func TestRunSync_EnqueueFailureRecordsFailedChild(t *testing.T) {
	adapter := &fakeAdapter{
		name:         "shopify",
		queryCapable: true,
		items: []ItemSummary{
			{ID: "p1"}, {ID: "p2"}, {ID: "p3"}, {ID: "p4"}, {ID: "p5"},
		},
	}
	enq := &fakeEnqueuer{failBatches: map[int]bool{2: true}}
	store := newFakeJobStore()
	parent := syncJob(t, false)
	parent.Status = jobs.StatusProcessing
	store.jobs["parent-1"] = parent

	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(store, enq, conns, &fakeCatalog{}, adapter)

	_, err := coord.RunSync(context.Background(), parent)
	assert.ErrorIs(t, err, queue.ErrDeferred)

	require.Len(t, enq.added, 2)

	// The unenqueued batch left a terminally-failed child behind, so the
	// planned count of 3 still adds up and aggregation can finish the parent.
	children := store.children["parent-1"]
	require.Len(t, children, 1)
	assert.Equal(t, jobs.StatusFailed, children[0].Status)
	assert.Contains(t, children[0].FailedReason, "failed to enqueue batch 2")

	agg := AggregateChildren(children)
	assert.Equal(t, 3, agg.TotalBatches)
	assert.Equal(t, 1, agg.FailedBatches)
	assert.False(t, agg.AllTerminal)
}

func TestRunSync_AllEnqueuesFailIsTransient(t *testing.T) {
	adapter := &fakeAdapter{
		name:         "shopify",
		queryCapable: true,
		items:        []ItemSummary{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}},
	}
	enq := &fakeEnqueuer{err: errors.New("broker unavailable")}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), enq, conns, &fakeCatalog{}, adapter)

	_, err := coord.RunSync(context.Background(), syncJob(t, false))

	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrDeferred)
	assert.True(t, jobs.IsRetryable(err))
	assert.Contains(t, conns.statuses, SyncStatusFailed)
}

func TestRunSync_ScanCeiling(t *testing.T) {
	items := make([]ItemSummary, 150)
	for i := range items {
		items[i] = ItemSummary{ID: fmt.Sprintf("p%d", i)}
	}
	adapter := &fakeAdapter{name: "shopify", queryCapable: true, items: items, pageSize: 50}
	enq := &fakeEnqueuer{}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), enq, conns, &fakeCatalog{}, adapter)

	_, err := coord.RunSync(context.Background(), syncJob(t, false))
	assert.ErrorIs(t, err, queue.ErrDeferred)

	// Ceiling of 100 truncates the 150-item catalog: 100 ids -> 50 batches.
	total := 0
	for _, child := range enq.added {
		total += len(child.payload.(jobs.ProductBatchPayload).ProductIDs)
	}
	assert.Equal(t, 100, total)
}

func batchJob(t *testing.T, ids []string) *jobs.Job {
	t.Helper()
	payload, err := jobs.EncodePayload(jobs.TypeProductBatch, jobs.ProductBatchPayload{
		ParentJobID:  "parent-1",
		ConnectionID: "conn-1",
		Marketplace:  "shopify",
		BatchNumber:  1,
		TotalBatches: 1,
		ProductIDs:   ids,
	})
	require.NoError(t, err)

	return &jobs.Job{
		JobID:       "batch-1",
		JobType:     jobs.TypeProductBatch,
		WorkspaceID: "ws-1",
		Payload:     payload,
	}
}

func TestRunBatch_ItemErrorIsolation(t *testing.T) {
	adapter := &fakeAdapter{
		name:     "shopify",
		fetchErr: map[string]error{"p2": errors.New("http 500")},
	}
	catalog := &fakeCatalog{}
	conns := &fakeConnections{conn: testConnection(nil)}
	store := newFakeJobStore()
	coord := testCoordinator(store, &fakeEnqueuer{}, conns, catalog, adapter)

	raw, err := coord.RunBatch(context.Background(), batchJob(t, []string{"p1", "p2", "p3"}))
	require.NoError(t, err)

	var result BatchResult
	require.NoError(t, json.Unmarshal(raw, &result))

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "p2")

	assert.Equal(t, []string{"p1", "p3"}, catalog.upserts)
	assert.Equal(t, 100, store.progress["batch-1"])
}

func TestRunBatch_CredentialErrorAborts(t *testing.T) {
	adapter := &fakeAdapter{
		name: "shopify",
		fetchErr: map[string]error{
			"p1": jobs.NewCredentialError("shopify", errors.New("401")),
		},
	}
	catalog := &fakeCatalog{}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), &fakeEnqueuer{}, conns, catalog, adapter)

	_, err := coord.RunBatch(context.Background(), batchJob(t, []string{"p1", "p2"}))

	require.Error(t, err)
	assert.False(t, jobs.IsRetryable(err))
	assert.Empty(t, catalog.upserts)
}

func TestRunBatch_UpsertErrorCounted(t *testing.T) {
	adapter := &fakeAdapter{name: "shopify"}
	catalog := &fakeCatalog{failIDs: map[string]bool{"p2": true}}
	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(newFakeJobStore(), &fakeEnqueuer{}, conns, catalog, adapter)

	raw, err := coord.RunBatch(context.Background(), batchJob(t, []string{"p1", "p2"}))
	require.NoError(t, err)

	var result BatchResult
	require.NoError(t, json.Unmarshal(raw, &result))
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Failed)
}

func childJob(t *testing.T, id string, status jobs.Status, progress, batchNumber, totalBatches int, result *BatchResult) jobs.Job {
	t.Helper()
	payload, err := jobs.EncodePayload(jobs.TypeProductBatch, jobs.ProductBatchPayload{
		ParentJobID:  "parent-1",
		BatchNumber:  batchNumber,
		TotalBatches: totalBatches,
	})
	require.NoError(t, err)

	j := jobs.Job{
		JobID:    id,
		JobType:  jobs.TypeProductBatch,
		Status:   status,
		Progress: progress,
		Payload:  payload,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		require.NoError(t, err)
		j.Result = raw
	}
	return j
}

func TestAggregateChildren_MeanProgress(t *testing.T) {
	children := []jobs.Job{
		childJob(t, "c1", jobs.StatusCompleted, 100, 1, 2, &BatchResult{Processed: 2}),
		childJob(t, "c2", jobs.StatusProcessing, 50, 2, 2, nil),
	}

	agg := AggregateChildren(children)

	assert.Equal(t, 75, agg.Progress)
	assert.False(t, agg.AllTerminal)
}

func TestAggregateChildren_PlannedBatchesCountAsZero(t *testing.T) {
	// One child exists of four planned; its full progress is a quarter of
	// the whole.
	children := []jobs.Job{
		childJob(t, "c1", jobs.StatusCompleted, 100, 1, 4, &BatchResult{Processed: 2}),
	}

	agg := AggregateChildren(children)

	assert.Equal(t, 25, agg.Progress)
	assert.Equal(t, 4, agg.TotalBatches)
	assert.False(t, agg.AllTerminal)
}

func TestAggregateChildren_AllTerminalWithFailures(t *testing.T) {
	children := []jobs.Job{
		childJob(t, "c1", jobs.StatusCompleted, 100, 1, 2, &BatchResult{Processed: 2, Failed: 1, Errors: []string{"p9: boom"}}),
		func() jobs.Job {
			j := childJob(t, "c2", jobs.StatusFailed, 40, 2, 2, nil)
			j.FailedReason = "exhausted retries"
			return j
		}(),
	}

	agg := AggregateChildren(children)

	assert.True(t, agg.AllTerminal)
	assert.Equal(t, 1, agg.CompletedBatches)
	assert.Equal(t, 1, agg.FailedBatches)
	assert.Equal(t, 2, agg.ItemsProcessed)
	assert.Equal(t, 1, agg.ItemsFailed)
	assert.Len(t, agg.Errors, 2)
	assert.Equal(t, 70, agg.Progress)
}

func TestRecomputeParent_FinalizesWhenChildrenDone(t *testing.T) {
	store := newFakeJobStore()
	parent := syncJob(t, false)
	parent.Status = jobs.StatusProcessing
	store.jobs["parent-1"] = parent
	store.children["parent-1"] = []jobs.Job{
		childJob(t, "c1", jobs.StatusCompleted, 100, 1, 2, &BatchResult{Processed: 2}),
		childJob(t, "c2", jobs.StatusCompleted, 100, 2, 2, &BatchResult{Processed: 1, Failed: 1, Errors: []string{"p3: gone"}}),
	}

	conns := &fakeConnections{conn: testConnection(nil)}
	adapter := &fakeAdapter{name: "shopify"}
	coord := testCoordinator(store, &fakeEnqueuer{}, conns, &fakeCatalog{}, adapter)

	coord.RecomputeParent(context.Background(), "parent-1")

	assert.Equal(t, 100, store.progress["parent-1"])

	raw, done := store.completed["parent-1"]
	require.True(t, done)

	var summary SyncResult
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 2, summary.TotalBatches)
	assert.Equal(t, 3, summary.ItemsProcessed)
	assert.Equal(t, 1, summary.ItemsFailed)
	assert.Len(t, summary.Errors, 1)

	// Watermark is the parent's start, so items updated mid-sync are caught
	// by the next incremental run.
	require.NotNil(t, conns.watermark)
	assert.Equal(t, *parent.StartedAt, *conns.watermark)
	assert.Equal(t, []string{SyncStatusCompleted}, conns.finalized)
}

func TestRecomputeParent_FinalizesAroundUnenqueuedBatch(t *testing.T) {
	store := newFakeJobStore()
	parent := syncJob(t, false)
	parent.Status = jobs.StatusProcessing
	store.jobs["parent-1"] = parent

	lost := childJob(t, "c3", jobs.StatusFailed, 0, 3, 3, nil)
	lost.FailedReason = "failed to enqueue batch 3: broker unavailable"
	store.children["parent-1"] = []jobs.Job{
		childJob(t, "c1", jobs.StatusCompleted, 100, 1, 3, &BatchResult{Processed: 2}),
		childJob(t, "c2", jobs.StatusCompleted, 100, 2, 3, &BatchResult{Processed: 2}),
		lost,
	}

	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(store, &fakeEnqueuer{}, conns, &fakeCatalog{}, &fakeAdapter{name: "shopify"})

	coord.RecomputeParent(context.Background(), "parent-1")

	raw, done := store.completed["parent-1"]
	require.True(t, done)

	var summary SyncResult
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, 3, summary.TotalBatches)
	assert.Equal(t, 2, summary.CompletedBatches)
	assert.Equal(t, 1, summary.FailedBatches)
	assert.Equal(t, 4, summary.ItemsProcessed)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "failed to enqueue batch 3")

	assert.Equal(t, []string{SyncStatusCompleted}, conns.finalized)
}

func TestRecomputeParent_PartialProgressOnly(t *testing.T) {
	store := newFakeJobStore()
	parent := syncJob(t, false)
	parent.Status = jobs.StatusProcessing
	store.jobs["parent-1"] = parent
	store.children["parent-1"] = []jobs.Job{
		childJob(t, "c1", jobs.StatusCompleted, 100, 1, 2, &BatchResult{Processed: 2}),
		childJob(t, "c2", jobs.StatusProcessing, 20, 2, 2, nil),
	}

	conns := &fakeConnections{conn: testConnection(nil)}
	coord := testCoordinator(store, &fakeEnqueuer{}, conns, &fakeCatalog{}, &fakeAdapter{name: "shopify"})

	coord.RecomputeParent(context.Background(), "parent-1")

	assert.Equal(t, 60, store.progress["parent-1"])
	_, done := store.completed["parent-1"]
	assert.False(t, done)
	assert.Empty(t, conns.finalized)
}

func TestRecomputeParent_TerminalParentUntouched(t *testing.T) {
	store := newFakeJobStore()
	parent := syncJob(t, false)
	parent.Status = jobs.StatusCompleted
	store.jobs["parent-1"] = parent

	coord := testCoordinator(store, &fakeEnqueuer{}, &fakeConnections{conn: testConnection(nil)}, &fakeCatalog{}, &fakeAdapter{name: "shopify"})

	coord.RecomputeParent(context.Background(), "parent-1")

	assert.Empty(t, store.progress)
	assert.Empty(t, store.completed)
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}

	batches := chunk(ids, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"a", "b"}, batches[0])
	assert.Equal(t, []string{"e"}, batches[2])

	assert.Nil(t, chunk(nil, 2))
}
