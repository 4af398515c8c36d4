package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

const shopifyAPIVersion = "2024-07"

var shopifyLinkNext = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

// ShopifyAdapter talks to the Shopify Admin REST API. The list endpoint takes
// discrete params rather than a query expression: status narrows server-side,
// vendor and product-type filtering runs post-fetch.
type ShopifyAdapter struct {
	httpClient *http.Client
}

// NewShopifyAdapter creates a Shopify adapter.
func NewShopifyAdapter(httpClient *http.Client) *ShopifyAdapter {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &ShopifyAdapter{httpClient: httpClient}
}

func (a *ShopifyAdapter) Name() string { return MarketplaceShopify }

func (a *ShopifyAdapter) SupportsQueryFilter() bool { return false }

type shopifyProduct struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Vendor      string `json:"vendor"`
	ProductType string `json:"product_type"`
	UpdatedAt   string `json:"updated_at"`
}

// FetchIdentifiers lists products modified after the watermark. Cursor-based
// paging via the Link response header.
func (a *ShopifyAdapter) FetchIdentifiers(ctx context.Context, creds Credentials, req IdentifierRequest) (*IdentifierPage, error) {
	endpoint := fmt.Sprintf("https://%s/admin/api/%s/products.json", creds.ShopDomain, shopifyAPIVersion)

	params := url.Values{}
	params.Set("fields", "id,status,vendor,product_type,updated_at")
	if req.PageSize > 0 {
		params.Set("limit", strconv.Itoa(req.PageSize))
	}
	if req.Cursor != "" {
		// Shopify forbids mixing page_info with filter params; the cursor
		// already encodes them.
		params.Set("page_info", req.Cursor)
	} else {
		if !req.UpdatedAfter.IsZero() {
			params.Set("updated_at_min", req.UpdatedAfter.UTC().Format(time.RFC3339))
		}
		if status := shopifyStatusParam(req.Filters.Status); status != "" {
			params.Set("status", status)
		}
	}

	body, header, err := a.get(ctx, creds, endpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Products []shopifyProduct `json:"products"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode shopify products: %w", err)
	}

	page := &IdentifierPage{Items: make([]ItemSummary, 0, len(parsed.Products))}
	for _, p := range parsed.Products {
		updatedAt, _ := time.Parse(time.RFC3339, p.UpdatedAt)
		page.Items = append(page.Items, ItemSummary{
			ID:          strconv.FormatInt(p.ID, 10),
			Status:      p.Status,
			Vendor:      p.Vendor,
			ProductType: p.ProductType,
			UpdatedAt:   updatedAt,
		})
	}

	if cursor := nextPageInfo(header.Get("Link")); cursor != "" {
		page.HasMore = true
		page.NextCursor = cursor
	}

	return page, nil
}

// FetchComplete fetches the full product payload for one identifier.
func (a *ShopifyAdapter) FetchComplete(ctx context.Context, creds Credentials, externalID string) (*CatalogRecord, error) {
	endpoint := fmt.Sprintf("https://%s/admin/api/%s/products/%s.json", creds.ShopDomain, shopifyAPIVersion, externalID)

	body, _, err := a.get(ctx, creds, endpoint)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Product shopifyProduct `json:"product"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode shopify product %s: %w", externalID, err)
	}

	var raw struct {
		Product json.RawMessage `json:"product"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode shopify product %s: %w", externalID, err)
	}

	updatedAt, _ := time.Parse(time.RFC3339, parsed.Product.UpdatedAt)

	return &CatalogRecord{
		ExternalID:  strconv.FormatInt(parsed.Product.ID, 10),
		Title:       parsed.Product.Title,
		Status:      parsed.Product.Status,
		Vendor:      parsed.Product.Vendor,
		ProductType: parsed.Product.ProductType,
		Raw:         raw.Product,
		UpdatedAt:   updatedAt,
	}, nil
}

func (a *ShopifyAdapter) get(ctx context.Context, creds Credentials, rawURL string) ([]byte, http.Header, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("X-Shopify-Access-Token", creds.AccessToken)
	httpReq.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, nil, err
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, nil, jobs.NewCredentialError(MarketplaceShopify, fmt.Errorf("shopify returned %d", resp.StatusCode))
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil, jobs.NewValidationError("external_id", "product not found")
	case resp.StatusCode >= 400:
		return nil, nil, fmt.Errorf("shopify returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return body, resp.Header, nil
}

// shopifyStatusParam maps the status filter onto the list endpoint's
// comma-separated status param.
func shopifyStatusParam(status string) string {
	switch status {
	case jobs.FilterStatusActiveOnly:
		return "active"
	case jobs.FilterStatusInactiveOnly:
		return "draft,archived"
	}
	return ""
}

// nextPageInfo extracts the page_info cursor from Shopify's Link header.
func nextPageInfo(link string) string {
	if link == "" {
		return ""
	}
	match := shopifyLinkNext.FindStringSubmatch(link)
	if match == nil {
		return ""
	}
	next, err := url.Parse(match[1])
	if err != nil {
		return ""
	}
	return next.Query().Get("page_info")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n]) + "..."
}
