// Package beads wraps the git-resident issue tracker: a CLI for reads
// and mutations, plus direct appends to the .beads/issues.jsonl journal
// for creates. The journal is the reliable write path; the tracker's
// own database catches up via its import step.
package beads

import "time"

// Status is a tracker-native status. The tracker's model is narrower
// than the canonical one; statusmap carries the difference in labels.
type Status string

// Tracker statuses
const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusDeferred   Status = "deferred"
	StatusClosed     Status = "closed"
)

// Comment is one issue comment as stored in the journal.
type Comment struct {
	ID        string    `json:"id,omitempty"`
	Author    string    `json:"author,omitempty"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Issue is a tracker issue in journal schema. Priority is 0..4 with 0
// most urgent.
type Issue struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      Status    `json:"status,omitempty"`
	Priority    int       `json:"priority"`
	IssueType   string    `json:"issue_type,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Labels      []string  `json:"labels,omitempty"`
	Comments    []Comment `json:"comments,omitempty"`
}

// HasLabel reports whether the issue carries the exact label.
func (i *Issue) HasLabel(label string) bool {
	for _, l := range i.Labels {
		if l == label {
			return true
		}
	}
	return false
}
