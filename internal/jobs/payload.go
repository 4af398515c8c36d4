package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope is the stored payload wrapper. The type tag selects the payload
// variant on decode; the options block records the effective enqueue options
// so the retry path can honor per-job overrides after a restart.
type Envelope struct {
	Type      JobType          `json:"type"`
	Data      json.RawMessage  `json:"data"`
	CreatedAt time.Time        `json:"created_at"`
	Options   *EnvelopeOptions `json:"options,omitempty"`
}

// EnvelopeOptions is the effective enqueue configuration stamped onto the
// payload.
type EnvelopeOptions struct {
	Priority       Priority `json:"priority"`
	Attempts       int      `json:"attempts"`
	BackoffType    string   `json:"backoff_type"`
	BackoffDelayMS int64    `json:"backoff_delay_ms"`
}

// ProductSyncFilters narrows which catalog items a sync touches.
type ProductSyncFilters struct {
	// Status is one of "active-only", "inactive-only" or "both".
	Status       string   `json:"status"`
	Vendors      []string `json:"vendors,omitempty"`
	ProductTypes []string `json:"product_types,omitempty"`
}

const (
	FilterStatusActiveOnly   = "active-only"
	FilterStatusInactiveOnly = "inactive-only"
	FilterStatusBoth         = "both"
)

// Validate checks the filter fields against the recognized values.
func (f ProductSyncFilters) Validate() error {
	switch f.Status {
	case "", FilterStatusActiveOnly, FilterStatusInactiveOnly, FilterStatusBoth:
		return nil
	}
	return NewValidationError("filters.status", fmt.Sprintf("unrecognized value %q", f.Status))
}

// MarketplaceSyncPayload starts a full or incremental catalog sync for one
// marketplace connection.
type MarketplaceSyncPayload struct {
	ConnectionID string             `json:"connection_id"`
	Marketplace  string             `json:"marketplace"`
	Force        bool               `json:"force"`
	Filters      ProductSyncFilters `json:"filters"`
}

// ProductBatchPayload carries one bounded unit of a decomposed sync.
type ProductBatchPayload struct {
	ParentJobID  string   `json:"parent_job_id"`
	ConnectionID string   `json:"connection_id"`
	Marketplace  string   `json:"marketplace"`
	BatchNumber  int      `json:"batch_number"`
	TotalBatches int      `json:"total_batches"`
	ProductIDs   []string `json:"product_ids"`
}

// ProductIndividualPayload re-syncs a single catalog item.
type ProductIndividualPayload struct {
	ConnectionID string `json:"connection_id"`
	Marketplace  string `json:"marketplace"`
	ProductID    string `json:"product_id"`
}

// AIScanPayload requests an AI scan of one product. Completion arrives via
// the callback endpoint, not the worker.
type AIScanPayload struct {
	ProductID string `json:"product_id"`
	ScanKind  string `json:"scan_kind"`
}

// AIBatchPayload requests AI scans for a set of products.
type AIBatchPayload struct {
	ProductIDs []string `json:"product_ids"`
	ScanKind   string   `json:"scan_kind"`
}

// MarketplaceUpdatePayload pushes local field changes back to a marketplace.
type MarketplaceUpdatePayload struct {
	ConnectionID string                 `json:"connection_id"`
	Marketplace  string                 `json:"marketplace"`
	ProductIDs   []string               `json:"product_ids"`
	Fields       map[string]interface{} `json:"fields"`
}

// EncodePayload wraps a typed payload in an envelope stamped with the
// creation time.
func EncodePayload(jobType JobType, payload interface{}) (json.RawMessage, error) {
	return EncodePayloadWithOptions(jobType, payload, nil)
}

// EncodePayloadWithOptions wraps a typed payload and stamps the effective
// enqueue options onto the envelope.
func EncodePayloadWithOptions(jobType JobType, payload interface{}, opts *EnvelopeOptions) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", jobType, err)
	}

	raw, err := json.Marshal(Envelope{
		Type:      jobType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
		Options:   opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return raw, nil
}

// DecodeEnvelope parses the stored envelope without unwrapping the payload.
func DecodeEnvelope(raw json.RawMessage) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return &env, nil
}

// DecodePayload unwraps an envelope and returns the typed payload variant.
func DecodePayload(raw json.RawMessage) (JobType, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	var payload interface{}
	switch env.Type {
	case TypeMarketplaceSync:
		payload = &MarketplaceSyncPayload{}
	case TypeProductBatch:
		payload = &ProductBatchPayload{}
	case TypeProductIndividual:
		payload = &ProductIndividualPayload{}
	case TypeAIScan:
		payload = &AIScanPayload{}
	case TypeAIBatch:
		payload = &AIBatchPayload{}
	case TypeMarketplaceUpdate:
		payload = &MarketplaceUpdatePayload{}
	default:
		return "", nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidPayload, env.Type)
	}

	if err := json.Unmarshal(env.Data, payload); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	return env.Type, payload, nil
}

// DecodeSyncPayload decodes a marketplace-sync envelope or fails.
func DecodeSyncPayload(raw json.RawMessage) (*MarketplaceSyncPayload, error) {
	jobType, payload, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	p, ok := payload.(*MarketplaceSyncPayload)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidPayload, TypeMarketplaceSync, jobType)
	}
	return p, nil
}

// DecodeBatchPayload decodes a product-batch envelope or fails.
func DecodeBatchPayload(raw json.RawMessage) (*ProductBatchPayload, error) {
	jobType, payload, err := DecodePayload(raw)
	if err != nil {
		return nil, err
	}
	p, ok := payload.(*ProductBatchPayload)
	if !ok {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrInvalidPayload, TypeProductBatch, jobType)
	}
	return p, nil
}
