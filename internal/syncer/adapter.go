package syncer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

// Marketplace names with first-class support.
const (
	MarketplaceShopify     = "shopify"
	MarketplaceVTEX        = "vtex"
	MarketplaceWooCommerce = "woocommerce"
)

// Credentials identifies one marketplace account.
type Credentials struct {
	ShopDomain  string `json:"shop_domain"`
	APIKey      string `json:"api_key"`
	APISecret   string `json:"api_secret"`
	AccessToken string `json:"access_token"`
}

// ItemSummary is the lightweight identifier record returned while paging.
// The fields beyond ID exist so post-fetch filtering can run locally when an
// adapter cannot filter server-side.
type ItemSummary struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	Vendor      string    `json:"vendor"`
	ProductType string    `json:"product_type"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IdentifierRequest asks an adapter for one page of item identifiers.
// Query carries the adapter-native filter expression when the adapter
// supports query-side filtering; Filters carries the structured form so
// adapters without a query syntax can still narrow server-side where their
// API allows it. UpdatedAfter bounds the fetch either way.
type IdentifierRequest struct {
	UpdatedAfter time.Time
	Query        string
	Filters      jobs.ProductSyncFilters
	Cursor       string
	PageSize     int
}

// IdentifierPage is one page of results.
type IdentifierPage struct {
	Items      []ItemSummary
	HasMore    bool
	NextCursor string
	TotalCount int
}

// CatalogRecord is a normalized marketplace item ready for upsert.
type CatalogRecord struct {
	ExternalID  string          `json:"external_id"`
	Title       string          `json:"title"`
	Status      string          `json:"status"`
	Vendor      string          `json:"vendor"`
	ProductType string          `json:"product_type"`
	Raw         json.RawMessage `json:"raw,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Adapter is the marketplace integration contract. Implementations are
// external collaborators; they translate marketplace-specific paging and
// payload shapes into the types above. Calls may be slow or rate-limited, so
// the coordinator applies its own timeout and rate limiter around them.
type Adapter interface {
	Name() string
	SupportsQueryFilter() bool
	FetchIdentifiers(ctx context.Context, creds Credentials, req IdentifierRequest) (*IdentifierPage, error)
	FetchComplete(ctx context.Context, creds Credentials, externalID string) (*CatalogRecord, error)
}

// Registry maps marketplace names to adapters, resolved once at startup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry creates an adapter registry.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.adapters[a.Name()] = a
	}
	return r
}

// Register adds or replaces an adapter.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Name()] = a
}

// Lookup returns the adapter for a marketplace, or nil.
func (r *Registry) Lookup(marketplace string) Adapter {
	return r.adapters[marketplace]
}
