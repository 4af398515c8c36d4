package syncer

import (
	"fmt"
	"strings"
	"time"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

// BuildQuery translates sync filters into the search syntax shared by the
// query-capable marketplace APIs: space-joined terms are implicit AND, and
// allow-lists become explicit OR groups, e.g.
//
//	updated_at:>'2024-01-02T00:00:00Z' status:active (vendor:"A" OR vendor:"B")
func BuildQuery(filters jobs.ProductSyncFilters, updatedAfter time.Time) string {
	terms := make([]string, 0, 4)

	if !updatedAfter.IsZero() {
		terms = append(terms, fmt.Sprintf("updated_at:>'%s'", updatedAfter.UTC().Format(time.RFC3339)))
	}

	switch filters.Status {
	case jobs.FilterStatusActiveOnly:
		terms = append(terms, "status:active")
	case jobs.FilterStatusInactiveOnly:
		terms = append(terms, "status:inactive")
	}

	if group := orGroup("vendor", filters.Vendors); group != "" {
		terms = append(terms, group)
	}
	if group := orGroup("product_type", filters.ProductTypes); group != "" {
		terms = append(terms, group)
	}

	return strings.Join(terms, " ")
}

func orGroup(field string, values []string) string {
	if len(values) == 0 {
		return ""
	}

	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%q", field, v))
	}

	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	default:
		return "(" + strings.Join(parts, " OR ") + ")"
	}
}

// MatchesFilters applies sync filters locally, for adapters without
// query-side filtering.
func MatchesFilters(item ItemSummary, filters jobs.ProductSyncFilters) bool {
	switch filters.Status {
	case jobs.FilterStatusActiveOnly:
		if !strings.EqualFold(item.Status, "active") {
			return false
		}
	case jobs.FilterStatusInactiveOnly:
		if strings.EqualFold(item.Status, "active") {
			return false
		}
	}

	if len(filters.Vendors) > 0 && !containsFold(filters.Vendors, item.Vendor) {
		return false
	}
	if len(filters.ProductTypes) > 0 && !containsFold(filters.ProductTypes, item.ProductType) {
		return false
	}

	return true
}

func containsFold(values []string, target string) bool {
	for _, v := range values {
		if strings.EqualFold(v, target) {
			return true
		}
	}
	return false
}
