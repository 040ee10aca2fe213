// Package statusmap translates statuses and priorities between the
// canonical vocabulary and the three external systems. All functions are
// pure; the orchestrator applies them at system boundaries only.
package statusmap

import (
	"strings"

	"github.com/hulylabs/vibesync/internal/types"
)

// HostLabelPrefix tags Tracker issues with the canonical status when the
// Tracker's 5-state model cannot express it natively (Todo, InReview,
// Canceled). The label round-trips the distinction through the Tracker.
const HostLabelPrefix = "host:"

// HulyLabelPrefix tags Tracker issues with their PM identifier, e.g.
// "huly:HVSYN-10". Used by crash recovery to locate orphaned creates.
const HulyLabelPrefix = "huly:"

// FromHuly converts a Huly status name to canonical.
func FromHuly(status string) types.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "backlog":
		return types.StatusBacklog
	case "todo", "to do":
		return types.StatusTodo
	case "in progress", "inprogress":
		return types.StatusInProgress
	case "in review", "inreview":
		return types.StatusInReview
	case "done", "completed":
		return types.StatusDone
	case "cancelled", "canceled":
		return types.StatusCanceled
	}
	return types.StatusBacklog
}

// ToHuly converts a canonical status to the Huly status name.
func ToHuly(s types.Status) string {
	switch s {
	case types.StatusBacklog:
		return "Backlog"
	case types.StatusTodo:
		return "Todo"
	case types.StatusInProgress:
		return "In Progress"
	case types.StatusInReview:
		return "In Review"
	case types.StatusDone:
		return "Done"
	case types.StatusCanceled:
		return "Cancelled"
	}
	return "Backlog"
}

// ToTracker converts a canonical status to the Tracker's 5-state model
// plus an optional host: disambiguation label. The label is empty when
// the Tracker status alone round-trips.
func ToTracker(s types.Status) (status string, hostLabel string) {
	switch s {
	case types.StatusBacklog:
		return "open", ""
	case types.StatusTodo:
		return "open", HostLabelPrefix + "Todo"
	case types.StatusInProgress:
		return "in_progress", ""
	case types.StatusInReview:
		return "in_progress", HostLabelPrefix + "InReview"
	case types.StatusDone:
		return "closed", ""
	case types.StatusCanceled:
		return "closed", HostLabelPrefix + "Canceled"
	}
	return "open", ""
}

// FromTracker converts a Tracker status plus labels to canonical. A
// host: label, when present and consistent with the base status, wins.
func FromTracker(status string, labels []string) types.Status {
	base := baseFromTracker(status)
	for _, l := range labels {
		if !strings.HasPrefix(l, HostLabelPrefix) {
			continue
		}
		switch strings.TrimPrefix(l, HostLabelPrefix) {
		case "Todo":
			if base == types.StatusBacklog {
				return types.StatusTodo
			}
		case "InReview":
			if base == types.StatusInProgress {
				return types.StatusInReview
			}
		case "Canceled":
			if base == types.StatusDone {
				return types.StatusCanceled
			}
		}
	}
	return base
}

func baseFromTracker(status string) types.Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open", "deferred":
		return types.StatusBacklog
	case "in_progress", "blocked", "hooked":
		return types.StatusInProgress
	case "closed":
		return types.StatusDone
	}
	return types.StatusBacklog
}

// PriorityToTracker converts a canonical priority to the Tracker's 0-4
// integer scale.
func PriorityToTracker(p types.Priority) int {
	switch p {
	case types.PriorityUrgent:
		return 0
	case types.PriorityHigh:
		return 1
	case types.PriorityMedium:
		return 2
	case types.PriorityLow:
		return 3
	case types.PriorityNone:
		return 4
	}
	return 4
}

// PriorityFromTracker converts a Tracker 0-4 priority to canonical.
func PriorityFromTracker(n int) types.Priority {
	switch n {
	case 0:
		return types.PriorityUrgent
	case 1:
		return types.PriorityHigh
	case 2:
		return types.PriorityMedium
	case 3:
		return types.PriorityLow
	}
	return types.PriorityNone
}

// FromHulyPriority converts a Huly priority name to canonical.
func FromHulyPriority(name string) types.Priority {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "urgent":
		return types.PriorityUrgent
	case "high":
		return types.PriorityHigh
	case "medium":
		return types.PriorityMedium
	case "low":
		return types.PriorityLow
	}
	return types.PriorityNone
}

// ToHulyPriority converts a canonical priority to the Huly name.
func ToHulyPriority(p types.Priority) string {
	switch p {
	case types.PriorityUrgent:
		return "Urgent"
	case types.PriorityHigh:
		return "High"
	case types.PriorityMedium:
		return "Medium"
	case types.PriorityLow:
		return "Low"
	}
	return "NoPriority"
}

// HasHostLabel reports whether any label carries a host: status
// disambiguation.
func HasHostLabel(labels []string) bool {
	for _, l := range labels {
		if strings.HasPrefix(l, HostLabelPrefix) {
			return true
		}
	}
	return false
}

// HulyLabel builds the huly:<identifier> back-reference label.
func HulyLabel(identifier string) string {
	return HulyLabelPrefix + identifier
}

// IdentifierFromLabels extracts the PM identifier from a huly: label,
// or "" when absent.
func IdentifierFromLabels(labels []string) string {
	for _, l := range labels {
		if strings.HasPrefix(l, HulyLabelPrefix) {
			return strings.TrimPrefix(l, HulyLabelPrefix)
		}
	}
	return ""
}
