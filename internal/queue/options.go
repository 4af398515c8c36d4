package queue

import (
	"time"

	"github.com/rackoot/racky.app-sub000/internal/jobs"
)

// Named queues. The set is fixed; the manager declares them all during
// initialization.
const (
	MarketplaceSyncQueue = "marketplace-sync"
	ProductBatchQueue    = "product-batch"
	AIProcessingQueue    = "ai-processing"
)

// Names returns the fixed set of named queues.
func Names() []string {
	return []string{MarketplaceSyncQueue, ProductBatchQueue, AIProcessingQueue}
}

// Backoff types.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// BackoffPolicy is the delay policy applied between retry attempts.
type BackoffPolicy struct {
	Type  string
	Delay time.Duration
}

// NextDelay computes the delay before the given retry. attempt is the number
// of attempts already made, so the first retry (attempt=1) waits the base
// delay and an exponential policy doubles from there.
func (p BackoffPolicy) NextDelay(attempt int) time.Duration {
	if p.Delay <= 0 {
		p.Delay = 2 * time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	if p.Type == BackoffFixed {
		return p.Delay
	}

	delay := p.Delay
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// AddOptions configures a single enqueue. Zero values fall back to the
// manager defaults.
type AddOptions struct {
	Priority jobs.Priority
	Delay    time.Duration
	Attempts int
	Backoff  *BackoffPolicy
}

// QueueStats is a point-in-time, non-blocking view of one named queue.
// Delayed counts republish timers held by this process only; jobs another
// worker has scheduled for retry show up in its stats, not here (their
// records remain visible as queued either way).
type QueueStats struct {
	QueueName string `json:"queue_name"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Consumers int    `json:"consumers"`
}
