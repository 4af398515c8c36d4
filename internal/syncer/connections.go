package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

// Connection sync statuses.
const (
	SyncStatusPending   = "pending"
	SyncStatusSyncing   = "syncing"
	SyncStatusCompleted = "completed"
	SyncStatusFailed    = "failed"
)

// ErrConnectionNotFound is returned for an unknown or foreign-workspace
// connection.
var ErrConnectionNotFound = errors.New("marketplace connection not found")

// Connection is one workspace's link to a marketplace account. LastSyncAt is
// the incremental watermark: only items updated after it are fetched on a
// non-forced sync.
type Connection struct {
	ID             string          `db:"connection_id"`
	WorkspaceID    string          `db:"workspace_id"`
	Marketplace    string          `db:"marketplace"`
	CredentialsRaw json.RawMessage `db:"credentials"`
	LastSyncAt     *time.Time      `db:"last_sync_at"`
	SyncStatus     string          `db:"sync_status"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Credentials decodes the stored credential blob.
func (c *Connection) Credentials() (Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(c.CredentialsRaw, &creds); err != nil {
		return Credentials{}, jobs.NewCredentialError(c.Marketplace, fmt.Errorf("stored credentials unreadable: %w", err))
	}
	return creds, nil
}

// ConnectionStore persists marketplace connections.
type ConnectionStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewConnectionStore creates a ConnectionStore.
func NewConnectionStore(db *sqlx.DB, logger *slog.Logger) *ConnectionStore {
	return &ConnectionStore{db: db, logger: logger}
}

// Get retrieves a connection scoped to its workspace.
func (s *ConnectionStore) Get(ctx context.Context, workspaceID, connectionID string) (*Connection, error) {
	var conn Connection
	err := s.db.GetContext(ctx, &conn, `
		SELECT connection_id, workspace_id, marketplace, credentials,
		       last_sync_at, sync_status, created_at, updated_at
		FROM marketplace_connections
		WHERE connection_id = $1 AND workspace_id = $2
	`, connectionID, workspaceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrConnectionNotFound
		}
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	return &conn, nil
}

// SetSyncStatus updates the connection's sync status without touching the
// watermark.
func (s *ConnectionStore) SetSyncStatus(ctx context.Context, connectionID, status string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_connections
		SET sync_status = $1, updated_at = NOW()
		WHERE connection_id = $2
	`, status, connectionID)
	if err != nil {
		return fmt.Errorf("failed to set sync status: %w", err)
	}
	return nil
}

// Finalize records the outcome of a sync. The watermark advances only on a
// completed sync; a failed sync keeps the previous watermark so the next run
// re-fetches the same window.
func (s *ConnectionStore) Finalize(ctx context.Context, connectionID, status string, watermark time.Time) error {
	var err error
	if status == SyncStatusCompleted {
		_, err = s.db.ExecContext(ctx, `
			UPDATE marketplace_connections
			SET sync_status = $1, last_sync_at = $2, updated_at = NOW()
			WHERE connection_id = $3
		`, status, watermark.UTC(), connectionID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE marketplace_connections
			SET sync_status = $1, updated_at = NOW()
			WHERE connection_id = $2
		`, status, connectionID)
	}
	if err != nil {
		return fmt.Errorf("failed to finalize connection sync: %w", err)
	}

	s.logger.Info("Connection sync finalized",
		slog.String("connection_id", connectionID),
		slog.String("status", status),
	)

	return nil
}

// ResetWatermark clears the incremental watermark, used by forced resyncs.
func (s *ConnectionStore) ResetWatermark(ctx context.Context, connectionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE marketplace_connections
		SET last_sync_at = NULL, updated_at = NOW()
		WHERE connection_id = $1
	`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to reset watermark: %w", err)
	}
	return nil
}
