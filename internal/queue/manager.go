package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

var (
	// ErrUnknownQueue is returned for a queue name outside the fixed set.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrDeferred is returned by handlers whose jobs complete through an
	// external event (child aggregation, webhook callback). The manager acks
	// the delivery and leaves the job in processing.
	ErrDeferred = errors.New("job completion deferred")
)

// Handler executes one job and returns its result. A returned error drives
// the retry decision; ErrDeferred leaves finalization to someone else.
type Handler func(ctx context.Context, job *jobs.Job) (json.RawMessage, error)

// ChildCallback is invoked after a child job reaches a terminal state so the
// parent's aggregate progress can be recomputed.
type ChildCallback func(ctx context.Context, parentJobID string)

// Config holds queue manager configuration.
type Config struct {
	DefaultAttempts   int
	DefaultBackoff    BackoffPolicy
	PrefetchCount     int
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
}

type registration struct {
	jobType jobs.JobType
	handler Handler
	sem     chan struct{}
}

type queueState struct {
	name         string
	consumerTag  string
	handlers     map[jobs.JobType]*registration
	consuming    bool
	paused       bool
	delayedCount int64
}

// Broker is the message-broker surface the manager drives. Satisfied by the
// shared RabbitMQ client.
type Broker interface {
	Qos(prefetchCount int) error
	DeclareQueue(name string) error
	Publish(ctx context.Context, queueName string, body []byte, priority uint8) error
	Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error)
	CancelConsumer(consumerTag string) error
	Inspect(queueName string) (amqp.Queue, error)
}

// JobStore is the persistence surface the manager reads and writes.
type JobStore interface {
	Create(ctx context.Context, job *jobs.Job) error
	GetByID(ctx context.Context, jobID string) (*jobs.Job, error)
	GetByQueue(ctx context.Context, queueName, jobID string) (*jobs.Job, error)
	Claim(ctx context.Context, jobID, workerID string) (*jobs.Job, error)
	MarkCompleted(ctx context.Context, jobID string, result json.RawMessage) error
	MarkFailed(ctx context.Context, jobID, reason string) error
	RequeueForRetry(ctx context.Context, jobID, reason string) (*jobs.Job, error)
	Heartbeat(ctx context.Context, jobID string) error
	ReapStalled(ctx context.Context, staleAfter time.Duration, excludeTypes []jobs.JobType) ([]jobs.Job, error)
	ListQueuedBefore(ctx context.Context, queueName string, cutoff time.Time) ([]jobs.Job, error)
	CleanFinished(ctx context.Context, queueName string, grace time.Duration) (int64, error)
	CountByQueue(ctx context.Context, queueName string) (jobs.QueueCounts, error)
}

// Manager owns the fixed set of named queues: enqueue, dispatch to bounded
// worker pools, retry with backoff, inspection and lifecycle.
type Manager struct {
	broker   Broker
	store    JobStore
	logger   *slog.Logger
	config   Config
	workerID string

	mu        sync.Mutex
	queues    map[string]*queueState
	childDone ChildCallback

	wg           sync.WaitGroup
	stopChan     chan struct{}
	shutdownOnce sync.Once
}

// NewManager creates a queue manager. Call Initialize before use.
func NewManager(broker Broker, store JobStore, config Config, logger *slog.Logger) *Manager {
	if config.DefaultAttempts <= 0 {
		config.DefaultAttempts = 3
	}
	if config.DefaultBackoff.Delay <= 0 {
		config.DefaultBackoff = BackoffPolicy{Type: BackoffExponential, Delay: 2 * time.Second}
	}
	if config.PrefetchCount <= 0 {
		config.PrefetchCount = 10
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 5 * time.Minute
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}

	hostname, _ := os.Hostname()

	m := &Manager{
		broker:   broker,
		store:    store,
		logger:   logger,
		config:   config,
		workerID: fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		queues:   make(map[string]*queueState),
		stopChan: make(chan struct{}),
	}

	for _, name := range Names() {
		m.queues[name] = &queueState{
			name:     name,
			handlers: make(map[jobs.JobType]*registration),
		}
	}

	return m
}

// Initialize declares every named queue on the broker and sets the channel
// prefetch. Any failure here is fatal to the caller: a half-initialized
// queue layer must not accept jobs.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.broker.Qos(m.config.PrefetchCount); err != nil {
		return fmt.Errorf("queue manager initialization: %w", err)
	}

	for _, name := range Names() {
		if err := m.broker.DeclareQueue(name); err != nil {
			return fmt.Errorf("queue manager initialization: %w", err)
		}
	}

	m.logger.Info("Queue manager initialized",
		slog.Any("queues", Names()),
		slog.String("worker_id", m.workerID),
		slog.Int("prefetch_count", m.config.PrefetchCount),
	)

	return nil
}

// SetChildCallback registers the hook fired after any child job reaches a
// terminal state.
func (m *Manager) SetChildCallback(cb ChildCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.childDone = cb
}

// jobMessage is the broker message body; the durable record holds the rest.
type jobMessage struct {
	JobID string `json:"job_id"`
}

// AddJob persists a job record and publishes it to the named queue. The
// record is visible to GetJobStatus before this call returns.
func (m *Manager) AddJob(ctx context.Context, queueName string, jobType jobs.JobType, workspaceID, userID string, parentJobID *string, payload interface{}, opts *AddOptions) (*jobs.Job, error) {
	qs := m.queueState(queueName)
	if qs == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	effective := m.effectiveOptions(opts)
	if !effective.Priority.Valid() {
		return nil, jobs.NewValidationError("priority", fmt.Sprintf("unrecognized value %q", effective.Priority))
	}

	raw, err := jobs.EncodePayloadWithOptions(jobType, payload, &jobs.EnvelopeOptions{
		Priority:       effective.Priority,
		Attempts:       effective.Attempts,
		BackoffType:    effective.Backoff.Type,
		BackoffDelayMS: effective.Backoff.Delay.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	job := &jobs.Job{
		JobID:       uuid.New().String(),
		JobType:     jobType,
		QueueName:   queueName,
		Priority:    effective.Priority,
		UserID:      userID,
		WorkspaceID: workspaceID,
		ParentJobID: parentJobID,
		MaxAttempts: effective.Attempts,
		Payload:     raw,
	}

	if err := m.store.Create(ctx, job); err != nil {
		return nil, err
	}

	if effective.Delay > 0 {
		m.publishDelayed(qs, job, effective.Delay)
	} else if err := m.publish(ctx, job); err != nil {
		// The record exists and stays queued; the recovery sweep republishes
		// it once the broker is back.
		m.logger.Error("Failed to publish job, record remains queued",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	return job, nil
}

func (m *Manager) effectiveOptions(opts *AddOptions) AddOptions {
	effective := AddOptions{
		Priority: jobs.PriorityNormal,
		Attempts: m.config.DefaultAttempts,
		Backoff:  &m.config.DefaultBackoff,
	}
	if opts == nil {
		return effective
	}

	if opts.Priority != "" {
		effective.Priority = opts.Priority
	}
	if opts.Attempts > 0 {
		effective.Attempts = opts.Attempts
	}
	if opts.Backoff != nil {
		effective.Backoff = opts.Backoff
	}
	effective.Delay = opts.Delay

	return effective
}

func (m *Manager) publish(ctx context.Context, job *jobs.Job) error {
	body, err := json.Marshal(jobMessage{JobID: job.JobID})
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	return m.broker.Publish(ctx, job.QueueName, body, job.Priority.Level())
}

func (m *Manager) publishDelayed(qs *queueState, job *jobs.Job, delay time.Duration) {
	atomic.AddInt64(&qs.delayedCount, 1)

	time.AfterFunc(delay, func() {
		defer atomic.AddInt64(&qs.delayedCount, -1)

		select {
		case <-m.stopChan:
			// Record stays queued; the recovery sweep picks it up.
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := m.publish(ctx, job); err != nil {
			m.logger.Error("Failed to publish delayed job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
	})
}

// Process registers a handler for (queue, job type) executing at most
// concurrency invocations at once. The first registration on a queue starts
// its consumer.
func (m *Manager) Process(queueName string, jobType jobs.JobType, concurrency int, handler Handler) error {
	qs := m.queueState(queueName)
	if qs == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	m.mu.Lock()
	qs.handlers[jobType] = &registration{
		jobType: jobType,
		handler: handler,
		sem:     make(chan struct{}, concurrency),
	}
	alreadyConsuming := qs.consuming
	m.mu.Unlock()

	m.logger.Info("Handler registered",
		slog.String("queue", queueName),
		slog.String("job_type", string(jobType)),
		slog.Int("concurrency", concurrency),
	)

	if alreadyConsuming {
		return nil
	}

	return m.startConsumer(qs)
}

func (m *Manager) startConsumer(qs *queueState) error {
	tag := fmt.Sprintf("%s.%s", qs.name, m.workerID)

	deliveries, err := m.broker.Consume(qs.name, tag)
	if err != nil {
		return fmt.Errorf("failed to start consumer for %s: %w", qs.name, err)
	}

	m.mu.Lock()
	qs.consumerTag = tag
	qs.consuming = true
	qs.paused = false
	m.mu.Unlock()

	m.wg.Add(1)
	go m.dispatch(qs, deliveries)

	return nil
}

// dispatch routes deliveries to the registered handler pools. It exits when
// the delivery channel closes (consumer canceled or connection lost).
func (m *Manager) dispatch(qs *queueState, deliveries <-chan amqp.Delivery) {
	defer m.wg.Done()

	m.logger.Info("Dispatcher started", slog.String("queue", qs.name))

	for {
		select {
		case <-m.stopChan:
			m.logger.Info("Dispatcher stopping", slog.String("queue", qs.name))
			return

		case delivery, ok := <-deliveries:
			if !ok {
				m.logger.Info("Delivery channel closed", slog.String("queue", qs.name))
				return
			}
			m.route(qs, delivery)
		}
	}
}

func (m *Manager) route(qs *queueState, delivery amqp.Delivery) {
	var msg jobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		m.logger.Error("Failed to parse message JSON",
			slog.String("queue", qs.name),
			slog.String("error", err.Error()),
		)
		m.nack(delivery, false)
		return
	}

	if _, err := uuid.Parse(msg.JobID); err != nil {
		m.logger.Error("Invalid job_id format - not a UUID",
			slog.String("job_id", msg.JobID),
		)
		m.nack(delivery, false)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	job, err := m.store.GetByID(ctx, msg.JobID)
	cancel()
	if err != nil {
		if errors.Is(err, jobs.ErrJobNotFound) {
			// Record already cleaned; nothing to run.
			m.ack(delivery)
			return
		}
		m.logger.Error("Failed to load job for dispatch",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		m.nack(delivery, true)
		return
	}

	m.mu.Lock()
	reg := qs.handlers[job.JobType]
	m.mu.Unlock()

	if reg == nil {
		m.logger.Error("No handler registered for job type",
			slog.String("queue", qs.name),
			slog.String("job_type", string(job.JobType)),
		)
		m.nack(delivery, false)
		return
	}

	select {
	case reg.sem <- struct{}{}:
	case <-m.stopChan:
		m.nack(delivery, true)
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-reg.sem }()
		m.execute(reg, job, delivery)
	}()
}

// execute claims the job, runs the handler under a timeout with heartbeats,
// and records the outcome. Retries go through the job record plus a delayed
// republish; the broker delivery is always acked because requeue decisions
// live in the store.
func (m *Manager) execute(reg *registration, job *jobs.Job, delivery amqp.Delivery) {
	ctx := context.Background()

	claimed, err := m.store.Claim(ctx, job.JobID, m.workerID)
	if err != nil {
		if errors.Is(err, jobs.ErrAlreadyClaimed) {
			// Duplicate delivery (recovery sweep or redelivery); drop it.
			m.ack(delivery)
			return
		}
		m.logger.Error("Failed to claim job",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		m.nack(delivery, true)
		return
	}
	job = claimed

	jobCtx, cancel := context.WithTimeout(ctx, m.config.JobTimeout)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go m.heartbeat(jobCtx, job.JobID, heartbeatDone)

	result, handlerErr := m.runHandler(jobCtx, reg, job)
	close(heartbeatDone)

	if errors.Is(handlerErr, ErrDeferred) {
		m.logger.Info("Job completion deferred",
			slog.String("job_id", job.JobID),
			slog.String("job_type", string(job.JobType)),
		)
		m.ack(delivery)
		return
	}

	if handlerErr != nil {
		m.handleFailure(ctx, job, handlerErr)
	} else {
		if err := m.store.MarkCompleted(ctx, job.JobID, result); err != nil {
			m.logger.Error("Failed to mark job completed",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		} else {
			m.logger.Info("Job completed",
				slog.String("job_id", job.JobID),
				slog.String("job_type", string(job.JobType)),
			)
		}
		m.notifyParent(ctx, job)
	}

	m.ack(delivery)
}

func (m *Manager) runHandler(ctx context.Context, reg *registration, job *jobs.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return reg.handler(ctx, job)
}

func (m *Manager) handleFailure(ctx context.Context, job *jobs.Job, handlerErr error) {
	m.logger.Error("Job execution failed",
		slog.String("job_id", job.JobID),
		slog.String("job_type", string(job.JobType)),
		slog.Int("attempt", job.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	if jobs.IsRetryable(handlerErr) && job.Attempts < job.MaxAttempts {
		requeued, err := m.store.RequeueForRetry(ctx, job.JobID, handlerErr.Error())
		if err == nil {
			delay := m.backoffFor(requeued).NextDelay(requeued.Attempts)
			m.logger.Info("Job retry scheduled",
				slog.String("job_id", job.JobID),
				slog.Int("attempt", requeued.Attempts),
				slog.Int("max_attempts", requeued.MaxAttempts),
				slog.Duration("delay", delay),
			)
			if qs := m.queueState(job.QueueName); qs != nil {
				m.publishDelayed(qs, requeued, delay)
			}
			return
		}
		if !errors.Is(err, jobs.ErrMaxAttemptsExceeded) {
			m.logger.Error("Failed to requeue job for retry",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}
	}

	if err := m.store.MarkFailed(ctx, job.JobID, handlerErr.Error()); err != nil {
		m.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	m.notifyParent(ctx, job)
}

// backoffFor reads the per-job backoff stamped on the envelope, falling back
// to the manager default.
func (m *Manager) backoffFor(job *jobs.Job) BackoffPolicy {
	env, err := jobs.DecodeEnvelope(job.Payload)
	if err != nil || env.Options == nil || env.Options.BackoffDelayMS <= 0 {
		return m.config.DefaultBackoff
	}
	return BackoffPolicy{
		Type:  env.Options.BackoffType,
		Delay: time.Duration(env.Options.BackoffDelayMS) * time.Millisecond,
	}
}

func (m *Manager) notifyParent(ctx context.Context, job *jobs.Job) {
	if job.ParentJobID == nil {
		return
	}

	m.mu.Lock()
	cb := m.childDone
	m.mu.Unlock()

	if cb != nil {
		cb(ctx, *job.ParentJobID)
	}
}

func (m *Manager) heartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(m.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.store.Heartbeat(ctx, jobID); err != nil {
				m.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

func (m *Manager) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		m.logger.Error("Failed to ACK message", slog.String("error", err.Error()))
	}
}

func (m *Manager) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		m.logger.Error("Failed to NACK message", slog.String("error", err.Error()))
	}
}

func (m *Manager) queueState(name string) *queueState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queues[name]
}

// GetJobStatus returns the job's current record, or nil when unknown. Never
// errors for "not found".
func (m *Manager) GetJobStatus(ctx context.Context, queueName, jobID string) (*jobs.Job, error) {
	if m.queueState(queueName) == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return m.store.GetByQueue(ctx, queueName, jobID)
}

// GetQueueStats returns a point-in-time view of one queue, merging broker
// counters with job record counts.
func (m *Manager) GetQueueStats(ctx context.Context, queueName string) (*QueueStats, error) {
	qs := m.queueState(queueName)
	if qs == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	counts, err := m.store.CountByQueue(ctx, queueName)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		QueueName: queueName,
		Waiting:   counts.Queued,
		Active:    counts.Processing + counts.Stalled,
		Completed: counts.Completed,
		Failed:    counts.Failed,
		Delayed:   int(atomic.LoadInt64(&qs.delayedCount)),
	}

	if state, err := m.broker.Inspect(queueName); err == nil {
		stats.Consumers = state.Consumers
		if state.Messages > stats.Waiting {
			stats.Waiting = state.Messages
		}
	}

	return stats, nil
}

// PauseQueue stops dispatch on a queue without losing queued work.
func (m *Manager) PauseQueue(queueName string) error {
	qs := m.queueState(queueName)
	if qs == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	m.mu.Lock()
	tag := qs.consumerTag
	consuming := qs.consuming
	m.mu.Unlock()

	if !consuming {
		return nil
	}

	if err := m.broker.CancelConsumer(tag); err != nil {
		return err
	}

	m.mu.Lock()
	qs.consuming = false
	qs.paused = true
	m.mu.Unlock()

	m.logger.Warn("Queue paused", slog.String("queue", queueName))
	return nil
}

// ResumeQueue restarts dispatch on a paused queue.
func (m *Manager) ResumeQueue(queueName string) error {
	qs := m.queueState(queueName)
	if qs == nil {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	m.mu.Lock()
	paused := qs.paused
	m.mu.Unlock()

	if !paused {
		return nil
	}

	if err := m.startConsumer(qs); err != nil {
		return err
	}

	m.logger.Info("Queue resumed", slog.String("queue", queueName))
	return nil
}

// IsQueueRunning reports whether a consumer is dispatching the named queue.
func (m *Manager) IsQueueRunning(queueName string) bool {
	qs := m.queueState(queueName)
	if qs == nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return qs.consuming
}

// CleanQueue removes finished jobs older than the grace period.
func (m *Manager) CleanQueue(ctx context.Context, queueName string, grace time.Duration) (int64, error) {
	if m.queueState(queueName) == nil {
		return 0, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return m.store.CleanFinished(ctx, queueName, grace)
}

// RecoverQueued republishes jobs that are queued in the store but whose
// broker message may have been lost across a restart. Duplicate publishes
// are harmless: the claim is optimistic and the loser drops its delivery.
func (m *Manager) RecoverQueued(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().Add(-olderThan)

	for _, name := range Names() {
		pending, err := m.store.ListQueuedBefore(ctx, name, cutoff)
		if err != nil {
			return err
		}

		for i := range pending {
			if err := m.publish(ctx, &pending[i]); err != nil {
				m.logger.Error("Failed to republish queued job",
					slog.String("job_id", pending[i].JobID),
					slog.Any("error", err),
				)
			}
		}

		if len(pending) > 0 {
			m.logger.Info("Queued jobs republished",
				slog.String("queue", name),
				slog.Int("count", len(pending)),
			)
		}
	}

	return nil
}

// RequeueStalled reaps processing jobs with stale heartbeats and republishes
// the ones with retry budget left. Deferred-completion job types are skipped.
func (m *Manager) RequeueStalled(ctx context.Context, staleAfter time.Duration) error {
	requeued, err := m.store.ReapStalled(ctx, staleAfter, []jobs.JobType{
		jobs.TypeMarketplaceSync,
		jobs.TypeAIScan,
	})
	if err != nil {
		return err
	}

	for i := range requeued {
		if err := m.publish(ctx, &requeued[i]); err != nil {
			m.logger.Error("Failed to republish stalled job",
				slog.String("job_id", requeued[i].JobID),
				slog.Any("error", err),
			)
		}
	}

	return nil
}

// Shutdown drains in-flight handlers best effort within the context deadline
// and stops all consumers. Idempotent.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		m.logger.Info("Queue manager shutting down")

		m.mu.Lock()
		for _, qs := range m.queues {
			if qs.consuming {
				if err := m.broker.CancelConsumer(qs.consumerTag); err != nil {
					m.logger.Warn("Failed to cancel consumer during shutdown",
						slog.String("queue", qs.name),
						slog.Any("error", err),
					)
				}
				qs.consuming = false
			}
		}
		m.mu.Unlock()

		close(m.stopChan)

		done := make(chan struct{})
		go func() {
			m.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			m.logger.Info("Queue manager drained")
		case <-ctx.Done():
			m.logger.Warn("Queue manager shutdown timeout exceeded")
		}
	})
}
