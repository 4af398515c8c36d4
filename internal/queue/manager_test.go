package queue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

type fakeBroker struct {
	mu         sync.Mutex
	published  []string
	publishErr error
	deliveries chan amqp.Delivery
}

func (f *fakeBroker) Qos(int) error { return nil }

func (f *fakeBroker) DeclareQueue(string) error { return nil }

func (f *fakeBroker) Publish(_ context.Context, queueName string, _ []byte, _ uint8) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, queueName)
	return nil
}

func (f *fakeBroker) Consume(string, string) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeBroker) CancelConsumer(string) error { return nil }

func (f *fakeBroker) Inspect(string) (amqp.Queue, error) { return amqp.Queue{}, nil }

func (f *fakeBroker) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

type fakeStore struct {
	mu         sync.Mutex
	jobs       map[string]*jobs.Job
	completed  map[string]json.RawMessage
	failed     map[string]string
	requeued   []string
	requeueErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[string]*jobs.Job),
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]string),
	}
}

func (f *fakeStore) Create(_ context.Context, job *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	job.Status = jobs.StatusQueued
	copied := *job
	f.jobs[job.JobID] = &copied
	return nil
}

func (f *fakeStore) GetByID(_ context.Context, jobID string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	copied := *j
	return &copied, nil
}

func (f *fakeStore) GetByQueue(_ context.Context, _, jobID string) (*jobs.Job, error) {
	return f.GetByID(context.Background(), jobID)
}

func (f *fakeStore) Claim(_ context.Context, jobID, _ string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, jobs.ErrJobNotFound
	}
	if j.Status != jobs.StatusQueued {
		return nil, jobs.ErrAlreadyClaimed
	}
	j.Status = jobs.StatusProcessing
	j.Attempts++
	copied := *j
	return &copied, nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, jobID string, result json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[jobID] = result
	return nil
}

func (f *fakeStore) MarkFailed(_ context.Context, jobID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[jobID] = reason
	return nil
}

func (f *fakeStore) RequeueForRetry(_ context.Context, jobID, _ string) (*jobs.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requeueErr != nil {
		return nil, f.requeueErr
	}
	f.requeued = append(f.requeued, jobID)
	j := f.jobs[jobID]
	j.Status = jobs.StatusQueued
	copied := *j
	return &copied, nil
}

func (f *fakeStore) Heartbeat(context.Context, string) error { return nil }

func (f *fakeStore) ReapStalled(context.Context, time.Duration, []jobs.JobType) ([]jobs.Job, error) {
	return nil, nil
}

func (f *fakeStore) ListQueuedBefore(context.Context, string, time.Time) ([]jobs.Job, error) {
	return nil, nil
}

func (f *fakeStore) CleanFinished(context.Context, string, time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStore) CountByQueue(context.Context, string) (jobs.QueueCounts, error) {
	return jobs.QueueCounts{}, nil
}

func (f *fakeStore) failedReason(jobID string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	reason, ok := f.failed[jobID]
	return reason, ok
}

type fakeAck struct {
	acked  int32
	nacked int32
}

func (a *fakeAck) Ack(uint64, bool) error {
	atomic.AddInt32(&a.acked, 1)
	return nil
}

func (a *fakeAck) Nack(uint64, bool, bool) error {
	atomic.AddInt32(&a.nacked, 1)
	return nil
}

func (a *fakeAck) Reject(uint64, bool) error {
	atomic.AddInt32(&a.nacked, 1)
	return nil
}

func newTestManager(store *fakeStore, broker *fakeBroker) *Manager {
	return NewManager(broker, store, Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func seedJob(store *fakeStore, attempts, maxAttempts int) *jobs.Job {
	j := &jobs.Job{
		JobID:       "2fb9c6de-0f0b-4b2f-9a67-6f3f1a2b3c4d",
		JobType:     jobs.TypeProductBatch,
		QueueName:   ProductBatchQueue,
		Priority:    jobs.PriorityNormal,
		WorkspaceID: "ws-1",
		Status:      jobs.StatusQueued,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
	}
	copied := *j
	store.jobs[j.JobID] = &copied
	return j
}

func TestRunHandler_RecoversPanic(t *testing.T) {
	m := newTestManager(newFakeStore(), &fakeBroker{})
	reg := &registration{
		jobType: jobs.TypeProductBatch,
		handler: func(context.Context, *jobs.Job) (json.RawMessage, error) {
			panic("nil map write")
		},
	}

	result, err := m.runHandler(context.Background(), reg, &jobs.Job{})

	assert.Nil(t, result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler panic")
	assert.Contains(t, err.Error(), "nil map write")
}

func TestExecute_PanicOnLastAttemptFailsJob(t *testing.T) {
	store := newFakeStore()
	// Two attempts already spent; the claim consumes the last one, so the
	// recovered panic must land as terminal failure, not another retry.
	job := seedJob(store, 2, 3)
	m := newTestManager(store, &fakeBroker{})

	reg := &registration{
		jobType: jobs.TypeProductBatch,
		handler: func(context.Context, *jobs.Job) (json.RawMessage, error) {
			panic("corrupt payload")
		},
	}
	ack := &fakeAck{}

	m.execute(reg, job, amqp.Delivery{Acknowledger: ack})

	reason, failed := store.failedReason(job.JobID)
	require.True(t, failed)
	assert.Contains(t, reason, "handler panic")
	assert.Empty(t, store.requeued)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.acked))
}

func TestExecute_SuccessNotifiesParent(t *testing.T) {
	store := newFakeStore()
	job := seedJob(store, 0, 3)
	parentID := "5ad2e8f0-1234-4abc-8def-000011112222"
	store.jobs[job.JobID].ParentJobID = &parentID
	job.ParentJobID = &parentID

	m := newTestManager(store, &fakeBroker{})

	var notified string
	m.SetChildCallback(func(_ context.Context, parentJobID string) {
		notified = parentJobID
	})

	reg := &registration{
		jobType: jobs.TypeProductBatch,
		handler: func(context.Context, *jobs.Job) (json.RawMessage, error) {
			return json.RawMessage(`{"processed":1}`), nil
		},
	}
	ack := &fakeAck{}

	m.execute(reg, job, amqp.Delivery{Acknowledger: ack})

	result, completed := store.completed[job.JobID]
	require.True(t, completed)
	assert.JSONEq(t, `{"processed":1}`, string(result))
	assert.Equal(t, parentID, notified)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.acked))
}

func TestExecute_DuplicateDeliveryDropped(t *testing.T) {
	store := newFakeStore()
	job := seedJob(store, 1, 3)
	store.jobs[job.JobID].Status = jobs.StatusProcessing

	m := newTestManager(store, &fakeBroker{})
	reg := &registration{
		jobType: jobs.TypeProductBatch,
		handler: func(context.Context, *jobs.Job) (json.RawMessage, error) {
			t.Fatal("handler must not run for an already-claimed job")
			return nil, nil
		},
	}
	ack := &fakeAck{}

	m.execute(reg, job, amqp.Delivery{Acknowledger: ack})

	assert.Equal(t, int32(1), atomic.LoadInt32(&ack.acked))
	assert.Empty(t, store.completed)
	assert.Empty(t, store.failed)
}

func TestHandleFailure_NonRetryableShortCircuits(t *testing.T) {
	store := newFakeStore()
	job := seedJob(store, 1, 3)
	store.jobs[job.JobID].Status = jobs.StatusProcessing
	job.Attempts = 1

	m := newTestManager(store, &fakeBroker{})

	m.handleFailure(context.Background(), job, jobs.NewValidationError("marketplace", "unknown"))

	assert.Empty(t, store.requeued)
	reason, failed := store.failedReason(job.JobID)
	require.True(t, failed)
	assert.Contains(t, reason, "marketplace")
}

func TestHandleFailure_RetryableSchedulesDelayedRepublish(t *testing.T) {
	store := newFakeStore()
	job := seedJob(store, 1, 3)
	store.jobs[job.JobID].Status = jobs.StatusProcessing
	job.Attempts = 1

	m := newTestManager(store, &fakeBroker{})

	m.handleFailure(context.Background(), job, jobs.NewTransientError(errors.New("http 503")))

	assert.Equal(t, []string{job.JobID}, store.requeued)
	assert.Empty(t, store.failed)

	qs := m.queueState(ProductBatchQueue)
	assert.Equal(t, int64(1), atomic.LoadInt64(&qs.delayedCount))
}

func TestHandleFailure_AttemptCeiling(t *testing.T) {
	t.Run("attempts exhausted locally", func(t *testing.T) {
		store := newFakeStore()
		job := seedJob(store, 3, 3)
		job.Attempts = 3

		m := newTestManager(store, &fakeBroker{})
		m.handleFailure(context.Background(), job, jobs.NewTransientError(errors.New("http 503")))

		assert.Empty(t, store.requeued)
		_, failed := store.failedReason(job.JobID)
		assert.True(t, failed)
	})

	t.Run("store reports budget spent", func(t *testing.T) {
		store := newFakeStore()
		job := seedJob(store, 1, 3)
		job.Attempts = 1
		store.requeueErr = jobs.ErrMaxAttemptsExceeded

		m := newTestManager(store, &fakeBroker{})
		m.handleFailure(context.Background(), job, jobs.NewTransientError(errors.New("http 503")))

		_, failed := store.failedReason(job.JobID)
		assert.True(t, failed)
	})
}

func TestAddJob(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{}
	m := newTestManager(store, broker)

	job, err := m.AddJob(context.Background(), AIProcessingQueue, jobs.TypeAIScan,
		"ws-1", "user-1", nil, jobs.AIScanPayload{ProductID: "p1"}, nil)

	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, job.Status)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.Equal(t, jobs.PriorityNormal, job.Priority)
	assert.Equal(t, []string{AIProcessingQueue}, broker.published)

	stored, err := store.GetByID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeAIScan, stored.JobType)
}

func TestAddJob_Validation(t *testing.T) {
	m := newTestManager(newFakeStore(), &fakeBroker{})

	_, err := m.AddJob(context.Background(), "mystery-queue", jobs.TypeAIScan,
		"ws-1", "user-1", nil, jobs.AIScanPayload{}, nil)
	assert.ErrorIs(t, err, ErrUnknownQueue)

	_, err = m.AddJob(context.Background(), AIProcessingQueue, jobs.TypeAIScan,
		"ws-1", "user-1", nil, jobs.AIScanPayload{}, &AddOptions{Priority: "asap"})
	var validation *jobs.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestAddJob_PublishFailureKeepsRecordQueued(t *testing.T) {
	store := newFakeStore()
	broker := &fakeBroker{publishErr: errors.New("channel closed")}
	m := newTestManager(store, broker)

	job, err := m.AddJob(context.Background(), ProductBatchQueue, jobs.TypeProductBatch,
		"ws-1", "user-1", nil, jobs.ProductBatchPayload{}, nil)

	// The record survives for the recovery sweep even when publishing fails.
	require.NoError(t, err)
	stored, err := store.GetByID(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusQueued, stored.Status)
	assert.Zero(t, broker.publishCount())
}
