package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
)

// CatalogStore persists synced marketplace items. Uniqueness is enforced on
// (workspace_id, marketplace, external_id), so re-syncing an item is an
// update, never a duplicate.
type CatalogStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewCatalogStore creates a CatalogStore.
func NewCatalogStore(db *sqlx.DB, logger *slog.Logger) *CatalogStore {
	return &CatalogStore{db: db, logger: logger}
}

// Upsert inserts or refreshes one catalog item.
func (s *CatalogStore) Upsert(ctx context.Context, workspaceID, marketplace string, rec *CatalogRecord) error {
	var raw []byte
	if rec.Raw != nil {
		raw = []byte(rec.Raw)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_items (
			workspace_id, marketplace, external_id, title, status, vendor,
			product_type, raw, item_updated_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (workspace_id, marketplace, external_id) DO UPDATE SET
			title = EXCLUDED.title,
			status = EXCLUDED.status,
			vendor = EXCLUDED.vendor,
			product_type = EXCLUDED.product_type,
			raw = EXCLUDED.raw,
			item_updated_at = EXCLUDED.item_updated_at,
			updated_at = NOW()
	`, workspaceID, marketplace, rec.ExternalID, rec.Title, rec.Status,
		rec.Vendor, rec.ProductType, raw, rec.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert catalog item %s: %w", rec.ExternalID, err)
	}

	return nil
}

// DeleteByConnection removes all items previously synced from one
// marketplace for one workspace. Used by forced resyncs before fetching.
func (s *CatalogStore) DeleteByConnection(ctx context.Context, workspaceID, marketplace string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM catalog_items
		WHERE workspace_id = $1 AND marketplace = $2
	`, workspaceID, marketplace)
	if err != nil {
		return 0, fmt.Errorf("failed to delete catalog items: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	s.logger.Info("Catalog items deleted for forced resync",
		slog.String("workspace_id", workspaceID),
		slog.String("marketplace", marketplace),
		slog.Int64("removed", removed),
	)

	return removed, nil
}
