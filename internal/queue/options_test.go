package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffPolicy_NextDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  BackoffPolicy
		attempt int
		want    time.Duration
	}{
		{
			name:    "exponential first retry",
			policy:  BackoffPolicy{Type: BackoffExponential, Delay: 2 * time.Second},
			attempt: 1,
			want:    2 * time.Second,
		},
		{
			name:    "exponential second retry",
			policy:  BackoffPolicy{Type: BackoffExponential, Delay: 2 * time.Second},
			attempt: 2,
			want:    4 * time.Second,
		},
		{
			name:    "exponential third retry",
			policy:  BackoffPolicy{Type: BackoffExponential, Delay: 2 * time.Second},
			attempt: 3,
			want:    8 * time.Second,
		},
		{
			name:    "fixed stays flat",
			policy:  BackoffPolicy{Type: BackoffFixed, Delay: 5 * time.Second},
			attempt: 4,
			want:    5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.NextDelay(tt.attempt))
		})
	}
}

func TestNames_Fixed(t *testing.T) {
	names := Names()
	assert.Equal(t, []string{MarketplaceSyncQueue, ProductBatchQueue, AIProcessingQueue}, names)
}
