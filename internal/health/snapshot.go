package health

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// QueueHealth is one persisted per-queue snapshot from a monitor cycle.
// IsHealthy holds exactly when Issues is empty.
type QueueHealth struct {
	ID              int64          `db:"id" json:"-"`
	QueueName       string         `db:"queue_name" json:"queue_name"`
	IsHealthy       bool           `db:"is_healthy" json:"is_healthy"`
	Waiting         int            `db:"waiting" json:"waiting"`
	Active          int            `db:"active" json:"active"`
	Completed       int            `db:"completed" json:"completed"`
	Failed          int            `db:"failed" json:"failed"`
	Consumers       int            `db:"consumers" json:"consumers"`
	AvgProcessingMS float64        `db:"avg_processing_ms" json:"avg_processing_ms"`
	AvgWaitMS       float64        `db:"avg_wait_ms" json:"avg_wait_ms"`
	ConsumedPerHour float64        `db:"consumed_per_hour" json:"consumed_per_hour"`
	FailureRate     float64        `db:"failure_rate" json:"failure_rate"`
	Issues          pq.StringArray `db:"issues" json:"issues"`
	CheckedAt       time.Time      `db:"checked_at" json:"checked_at"`
}

// SnapshotStore persists queue health snapshots.
type SnapshotStore struct {
	db *sqlx.DB
}

// NewSnapshotStore creates a snapshot store.
func NewSnapshotStore(db *sqlx.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// Save inserts one snapshot.
func (s *SnapshotStore) Save(ctx context.Context, snapshot *QueueHealth) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue_health (
			queue_name, is_healthy, waiting, active, completed, failed,
			consumers, avg_processing_ms, avg_wait_ms, consumed_per_hour,
			failure_rate, issues, checked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		snapshot.QueueName, snapshot.IsHealthy, snapshot.Waiting, snapshot.Active,
		snapshot.Completed, snapshot.Failed, snapshot.Consumers,
		snapshot.AvgProcessingMS, snapshot.AvgWaitMS, snapshot.ConsumedPerHour,
		snapshot.FailureRate, snapshot.Issues, snapshot.CheckedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save health snapshot: %w", err)
	}
	return nil
}

// Latest returns the most recent snapshot per queue.
func (s *SnapshotStore) Latest(ctx context.Context) ([]QueueHealth, error) {
	var snapshots []QueueHealth
	err := s.db.SelectContext(ctx, &snapshots, `
		SELECT DISTINCT ON (queue_name)
			id, queue_name, is_healthy, waiting, active, completed, failed,
			consumers, avg_processing_ms, avg_wait_ms, consumed_per_hour,
			failure_rate, issues, checked_at
		FROM queue_health
		ORDER BY queue_name, checked_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load health snapshots: %w", err)
	}
	return snapshots, nil
}

// Prune deletes snapshots older than the retention window.
func (s *SnapshotStore) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM queue_health WHERE checked_at < $1
	`, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to prune health snapshots: %w", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}
