package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
	"github.com/rackoot/racky.app-sub000/internal/queue"
)

// QueueInspector is the queue-manager surface the monitor reads.
type QueueInspector interface {
	GetQueueStats(ctx context.Context, queueName string) (*queue.QueueStats, error)
	IsQueueRunning(queueName string) bool
}

// JobMetrics is the job-store surface the monitor reads.
type JobMetrics interface {
	Timings(ctx context.Context, queueName string, since time.Time) (jobs.QueueTimings, error)
	CompletedSince(ctx context.Context, queueName string, since time.Time) (int, error)
	CountFailuresSince(ctx context.Context, since time.Time) (int, error)
	TypePerformance(ctx context.Context, since time.Time) ([]jobs.TypeStats, error)
}

// BrokerInfo exposes broker connection state.
type BrokerInfo interface {
	IsConnected() bool
	ServerVersion() string
	ConnectedSince() time.Time
}

// DatastoreProber measures datastore liveness and pool usage.
type DatastoreProber interface {
	Probe(ctx context.Context) (time.Duration, error)
	OpenConnections() int
}

// Config holds monitor tuning.
type Config struct {
	Interval          time.Duration
	StatsWindow       time.Duration
	DatastoreSlow     time.Duration
	SnapshotRetention time.Duration
	Thresholds        Thresholds
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = 5 * time.Minute
	}
	if out.StatsWindow <= 0 {
		out.StatsWindow = time.Hour
	}
	if out.DatastoreSlow <= 0 {
		out.DatastoreSlow = time.Second
	}
	if out.SnapshotRetention <= 0 {
		out.SnapshotRetention = 7 * 24 * time.Hour
	}
	if out.Thresholds == (Thresholds{}) {
		out.Thresholds = DefaultThresholds()
	}
	return out
}

// BrokerStatus is the broker section of a system health report. Memory,
// disk-free and server-wide connection counts live behind RabbitMQ's
// management API, which the AMQP connection does not speak; only what the
// connection itself exposes is reported here.
type BrokerStatus struct {
	Status        string    `json:"status"`
	Version       string    `json:"version,omitempty"`
	ConnectedAt   time.Time `json:"connected_at,omitempty"`
	UptimeSeconds int64     `json:"uptime_seconds,omitempty"`
}

// DatastoreStatus is the datastore section of a system health report.
// Connections counts this process's pool, not the server total.
type DatastoreStatus struct {
	Status         string `json:"status"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Connections    int    `json:"connections"`
}

// QueueReport is one queue's section of a system health report.
type QueueReport struct {
	QueueName       string  `json:"queue_name"`
	Running         bool    `json:"running"`
	Waiting         int     `json:"waiting"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	Consumers       int     `json:"consumers"`
	AvgProcessingMS float64 `json:"avg_processing_ms"`
	AvgWaitMS       float64 `json:"avg_wait_ms"`
	ConsumedPerHour float64 `json:"consumed_per_hour"`
	FailureRate     float64 `json:"failure_rate"`
}

// TypeReport is per-job-type performance in a system health report.
type TypeReport struct {
	JobType     string  `json:"job_type"`
	Total       int     `json:"total"`
	Failed      int     `json:"failed"`
	FailureRate float64 `json:"failure_rate"`
	AvgMS       float64 `json:"avg_ms"`
	MinMS       float64 `json:"min_ms"`
	MaxMS       float64 `json:"max_ms"`
}

// SystemReport is the on-demand aggregate health view.
type SystemReport struct {
	Status      string          `json:"status"`
	CheckedAt   time.Time       `json:"checked_at"`
	Broker      BrokerStatus    `json:"broker"`
	Datastore   DatastoreStatus `json:"datastore"`
	Queues      []QueueReport   `json:"queues"`
	Performance []TypeReport    `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// Monitor runs periodic health cycles over every named queue and serves
// on-demand aggregate reports.
type Monitor struct {
	inspector QueueInspector
	metrics   JobMetrics
	broker    BrokerInfo
	datastore DatastoreProber
	snapshots *SnapshotStore
	queues    []string
	config    Config
	logger    *slog.Logger

	mu         sync.Mutex
	lastAlerts []Alert
}

// NewMonitor creates a health monitor over the given queues.
func NewMonitor(inspector QueueInspector, metrics JobMetrics, broker BrokerInfo, datastore DatastoreProber, snapshots *SnapshotStore, queues []string, config Config, logger *slog.Logger) *Monitor {
	return &Monitor{
		inspector: inspector,
		metrics:   metrics,
		broker:    broker,
		datastore: datastore,
		snapshots: snapshots,
		queues:    queues,
		config:    config.withDefaults(),
		logger:    logger,
	}
}

// Run executes cycles until the context is cancelled. The first cycle runs
// immediately; cycles never overlap because they share this goroutine.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCycle(ctx)
		}
	}
}

func (m *Monitor) runCycle(ctx context.Context) {
	started := time.Now()
	window := started.UTC().Add(-m.config.StatsWindow)

	var cycleAlerts []Alert

	_, probeErr := m.datastore.Probe(ctx)
	if probeErr != nil {
		cycleAlerts = append(cycleAlerts, Alert{
			Severity:  SeverityError,
			Subsystem: "datastore",
			Message:   "datastore probe failed: " + probeErr.Error(),
			RaisedAt:  time.Now().UTC(),
		})
	}

	for _, queueName := range m.queues {
		obs, snapshot, err := m.observe(ctx, queueName, window)
		if err != nil {
			m.logger.Error("Health cycle failed for queue",
				slog.String("queue", queueName),
				slog.String("error", err.Error()),
			)
			continue
		}

		alerts := EvaluateQueue(obs, m.config.Thresholds)
		for _, a := range alerts {
			snapshot.Issues = append(snapshot.Issues, a.Message)
		}
		snapshot.IsHealthy = len(snapshot.Issues) == 0
		cycleAlerts = append(cycleAlerts, alerts...)

		if err := m.snapshots.Save(ctx, snapshot); err != nil {
			m.logger.Error("Failed to persist health snapshot",
				slog.String("queue", queueName),
				slog.String("error", err.Error()),
			)
		}
	}

	failuresLastHour, err := m.metrics.CountFailuresSince(ctx, time.Now().UTC().Add(-time.Hour))
	if err != nil {
		m.logger.Error("Failed to count recent failures", slog.String("error", err.Error()))
	}

	if rollback := EvaluateRollback(probeErr != nil, cycleAlerts, failuresLastHour, m.config.Thresholds); rollback != nil {
		cycleAlerts = append(cycleAlerts, *rollback)
		m.logger.Error("EMERGENCY ROLLBACK CONDITION DETECTED",
			slog.String("reason", rollback.Message),
			slog.Int("failures_last_hour", failuresLastHour),
		)
	}

	m.mu.Lock()
	m.lastAlerts = cycleAlerts
	m.mu.Unlock()

	if _, err := m.snapshots.Prune(ctx, m.config.SnapshotRetention); err != nil {
		m.logger.Warn("Failed to prune health snapshots", slog.String("error", err.Error()))
	}

	m.logger.Info("Health cycle finished",
		slog.Int("queues", len(m.queues)),
		slog.Int("alerts", len(cycleAlerts)),
		slog.Duration("took", time.Since(started)),
	)
}

func (m *Monitor) observe(ctx context.Context, queueName string, window time.Time) (QueueObservation, *QueueHealth, error) {
	stats, err := m.inspector.GetQueueStats(ctx, queueName)
	if err != nil {
		return QueueObservation{}, nil, err
	}

	timings, err := m.metrics.Timings(ctx, queueName, window)
	if err != nil {
		return QueueObservation{}, nil, err
	}

	completed, err := m.metrics.CompletedSince(ctx, queueName, window)
	if err != nil {
		return QueueObservation{}, nil, err
	}

	consumedPerHour := float64(completed) / m.config.StatsWindow.Hours()

	finished := stats.Completed + stats.Failed
	failureRate := 0.0
	if finished > 0 {
		failureRate = float64(stats.Failed) / float64(finished)
	}

	// A queue counts as running when this process dispatches it or any other
	// process holds a consumer on the broker; the local flag alone would read
	// false in a process that never consumes, such as the API service.
	running := m.inspector.IsQueueRunning(queueName) || stats.Consumers > 0

	obs := QueueObservation{
		QueueName:       queueName,
		Backlog:         stats.Waiting,
		Active:          stats.Active,
		Consumers:       stats.Consumers,
		Running:         running,
		FailureRate:     failureRate,
		AvgProcessingMS: timings.AvgProcessingMS,
		ConsumedPerHour: consumedPerHour,
	}

	snapshot := &QueueHealth{
		QueueName:       queueName,
		Waiting:         stats.Waiting,
		Active:          stats.Active,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		Consumers:       stats.Consumers,
		AvgProcessingMS: timings.AvgProcessingMS,
		AvgWaitMS:       timings.AvgWaitMS,
		ConsumedPerHour: consumedPerHour,
		FailureRate:     failureRate,
		Issues:          []string{},
		CheckedAt:       time.Now().UTC(),
	}

	return obs, snapshot, nil
}

// SystemHealth assembles the on-demand aggregate view. It reads live state
// rather than replaying the last cycle, so the report is current even between
// cycles; alerts carry over from the most recent cycle.
func (m *Monitor) SystemHealth(ctx context.Context) *SystemReport {
	now := time.Now().UTC()
	window := now.Add(-m.config.StatsWindow)

	report := &SystemReport{
		Status:    "healthy",
		CheckedAt: now,
		Broker:    BrokerStatus{Status: "disconnected"},
	}

	if m.broker.IsConnected() {
		connectedAt := m.broker.ConnectedSince()
		report.Broker = BrokerStatus{
			Status:        "connected",
			Version:       m.broker.ServerVersion(),
			ConnectedAt:   connectedAt,
			UptimeSeconds: int64(now.Sub(connectedAt).Seconds()),
		}
	} else {
		report.Status = "unhealthy"
	}

	elapsed, err := m.datastore.Probe(ctx)
	pool := m.datastore.OpenConnections()
	switch {
	case err != nil:
		report.Datastore = DatastoreStatus{Status: "unreachable", Connections: pool}
		report.Status = "unhealthy"
	case elapsed > m.config.DatastoreSlow:
		report.Datastore = DatastoreStatus{Status: "degraded", ResponseTimeMS: elapsed.Milliseconds(), Connections: pool}
		if report.Status == "healthy" {
			report.Status = "degraded"
		}
	default:
		report.Datastore = DatastoreStatus{Status: "connected", ResponseTimeMS: elapsed.Milliseconds(), Connections: pool}
	}

	for _, queueName := range m.queues {
		obs, snapshot, err := m.observe(ctx, queueName, window)
		if err != nil {
			m.logger.Warn("Health report skipped queue",
				slog.String("queue", queueName),
				slog.String("error", err.Error()),
			)
			continue
		}

		report.Queues = append(report.Queues, QueueReport{
			QueueName:       queueName,
			Running:         obs.Running,
			Waiting:         snapshot.Waiting,
			Active:          snapshot.Active,
			Completed:       snapshot.Completed,
			Failed:          snapshot.Failed,
			Consumers:       snapshot.Consumers,
			AvgProcessingMS: snapshot.AvgProcessingMS,
			AvgWaitMS:       snapshot.AvgWaitMS,
			ConsumedPerHour: snapshot.ConsumedPerHour,
			FailureRate:     snapshot.FailureRate,
		})

		if alerts := EvaluateQueue(obs, m.config.Thresholds); len(alerts) > 0 && report.Status == "healthy" {
			report.Status = "degraded"
		}
	}

	if stats, err := m.metrics.TypePerformance(ctx, window); err == nil {
		for _, s := range stats {
			report.Performance = append(report.Performance, TypeReport{
				JobType:     string(s.JobType),
				Total:       s.Total,
				Failed:      s.Failed,
				FailureRate: s.FailureRate,
				AvgMS:       s.AvgMS,
				MinMS:       s.MinMS,
				MaxMS:       s.MaxMS,
			})
		}
	} else {
		m.logger.Warn("Failed to load type performance", slog.String("error", err.Error()))
	}

	m.mu.Lock()
	report.Alerts = append(report.Alerts, m.lastAlerts...)
	m.mu.Unlock()

	for _, a := range report.Alerts {
		if a.Severity == SeverityError {
			report.Status = "unhealthy"
			break
		}
	}

	return report
}
