package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		allowed bool
	}{
		{name: "queued to processing", from: StatusQueued, to: StatusProcessing, allowed: true},
		{name: "queued to completed shortcut", from: StatusQueued, to: StatusCompleted, allowed: false},
		{name: "queued to failed", from: StatusQueued, to: StatusFailed, allowed: false},
		{name: "processing to completed", from: StatusProcessing, to: StatusCompleted, allowed: true},
		{name: "processing to failed", from: StatusProcessing, to: StatusFailed, allowed: true},
		{name: "processing to stalled", from: StatusProcessing, to: StatusStalled, allowed: true},
		{name: "processing to queued", from: StatusProcessing, to: StatusQueued, allowed: false},
		{name: "failed to queued retry", from: StatusFailed, to: StatusQueued, allowed: true},
		{name: "failed to processing", from: StatusFailed, to: StatusProcessing, allowed: false},
		{name: "failed to completed", from: StatusFailed, to: StatusCompleted, allowed: false},
		{name: "stalled to queued", from: StatusStalled, to: StatusQueued, allowed: true},
		{name: "stalled to failed", from: StatusStalled, to: StatusFailed, allowed: true},
		{name: "stalled to completed", from: StatusStalled, to: StatusCompleted, allowed: false},
		{name: "completed is absorbing", from: StatusCompleted, to: StatusQueued, allowed: false},
		{name: "unknown status", from: Status("bogus"), to: StatusQueued, allowed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatus_Terminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusStalled.Terminal())
}

func TestPriority_Level(t *testing.T) {
	tests := []struct {
		priority Priority
		level    uint8
	}{
		{PriorityLow, 2},
		{PriorityNormal, 5},
		{PriorityHigh, 7},
		{PriorityCritical, 9},
		{Priority("unknown"), 5},
	}

	for _, tt := range tests {
		t.Run(string(tt.priority), func(t *testing.T) {
			assert.Equal(t, tt.level, tt.priority.Level())
		})
	}

	// Higher classes always map to higher broker priority.
	assert.Less(t, PriorityLow.Level(), PriorityNormal.Level())
	assert.Less(t, PriorityNormal.Level(), PriorityHigh.Level())
	assert.Less(t, PriorityHigh.Level(), PriorityCritical.Level())
}

func TestPriority_Valid(t *testing.T) {
	assert.True(t, PriorityLow.Valid())
	assert.True(t, PriorityCritical.Valid())
	assert.False(t, Priority("urgent").Valid())
	assert.False(t, Priority("").Valid())
}

func TestJob_IsParent(t *testing.T) {
	assert.True(t, (&Job{JobType: TypeMarketplaceSync}).IsParent())
	assert.False(t, (&Job{JobType: TypeProductBatch}).IsParent())
	assert.False(t, (&Job{JobType: TypeAIScan}).IsParent())
}
