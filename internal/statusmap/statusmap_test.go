package statusmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hulylabs/vibesync/internal/types"
)

var canonical = []types.Status{
	types.StatusBacklog,
	types.StatusTodo,
	types.StatusInProgress,
	types.StatusInReview,
	types.StatusDone,
	types.StatusCanceled,
}

func TestHulyRoundTrip(t *testing.T) {
	for _, s := range canonical {
		assert.Equal(t, s, FromHuly(ToHuly(s)), "status %s", s)
	}
}

func TestTrackerRoundTripWithLabels(t *testing.T) {
	for _, s := range canonical {
		status, label := ToTracker(s)
		var labels []string
		if label != "" {
			labels = append(labels, label)
		}
		assert.Equal(t, s, FromTracker(status, labels), "status %s", s)
	}
}

func TestTrackerBaseStatuses(t *testing.T) {
	tests := []struct {
		status string
		labels []string
		want   types.Status
	}{
		{"open", nil, types.StatusBacklog},
		{"in_progress", nil, types.StatusInProgress},
		{"blocked", nil, types.StatusInProgress},
		{"deferred", nil, types.StatusBacklog},
		{"closed", nil, types.StatusDone},
		{"closed", []string{"host:Canceled"}, types.StatusCanceled},
		// Inconsistent label is ignored: issue moved on since tagging.
		{"closed", []string{"host:Todo"}, types.StatusDone},
		{"open", []string{"host:InReview"}, types.StatusBacklog},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FromTracker(tt.status, tt.labels), "%s %v", tt.status, tt.labels)
	}
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range []types.Priority{
		types.PriorityUrgent, types.PriorityHigh, types.PriorityMedium,
		types.PriorityLow, types.PriorityNone,
	} {
		assert.Equal(t, p, PriorityFromTracker(PriorityToTracker(p)))
		assert.Equal(t, p, FromHulyPriority(ToHulyPriority(p)))
	}
	assert.Equal(t, 1, PriorityToTracker(types.PriorityHigh))
	assert.Equal(t, types.PriorityNone, PriorityFromTracker(9))
}

func TestHulyLabel(t *testing.T) {
	assert.Equal(t, "huly:HVSYN-10", HulyLabel("HVSYN-10"))
	assert.Equal(t, "HVSYN-10", IdentifierFromLabels([]string{"bug", "huly:HVSYN-10"}))
	assert.Equal(t, "", IdentifierFromLabels([]string{"bug"}))
}
