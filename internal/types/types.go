// Package types defines core data structures for the vibesync engine.
package types

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Status is the canonical issue status shared by all three systems.
// Each external system translates to and from this vocabulary at the
// boundary; internal code never works on raw PM or Tracker statuses.
type Status string

// Canonical status constants
const (
	StatusBacklog    Status = "backlog"
	StatusTodo       Status = "todo"
	StatusInProgress Status = "in_progress"
	StatusInReview   Status = "in_review"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

// IsValid returns true for a recognized canonical status.
func (s Status) IsValid() bool {
	switch s {
	case StatusBacklog, StatusTodo, StatusInProgress, StatusInReview, StatusDone, StatusCanceled:
		return true
	}
	return false
}

// Terminal returns true when the status represents finished work.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCanceled
}

// Priority is the canonical issue priority.
type Priority string

// Canonical priority constants
const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
	PriorityNone   Priority = "none"
)

// IsValid returns true for a recognized canonical priority.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityMedium, PriorityLow, PriorityNone:
		return true
	}
	return false
}

// Project is one managed project, keyed by its stable PM identifier
// (uppercase letters plus optional numeric suffix, e.g. "HVSYN").
type Project struct {
	Identifier    string     `json:"identifier"`
	Name          string     `json:"name"`
	HulyProjectID string     `json:"huly_project_id,omitempty"`
	TrackerPrefix string     `json:"tracker_prefix,omitempty"`
	AgentID       string     `json:"agent_id,omitempty"`
	FSPath        string     `json:"fs_path,omitempty"`
	Archived      bool       `json:"archived,omitempty"`
	MetaHash      string     `json:"meta_hash,omitempty"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

var projectIdentRe = regexp.MustCompile(`^[A-Z][A-Z0-9]*$`)

// Validate checks project invariants before persistence.
func (p *Project) Validate() error {
	if !projectIdentRe.MatchString(p.Identifier) {
		return fmt.Errorf("invalid project identifier %q: must be uppercase letters with optional digits", p.Identifier)
	}
	if p.Name == "" {
		return fmt.Errorf("project name is required")
	}
	if p.FSPath != "" && !filepath.IsAbs(p.FSPath) {
		return fmt.Errorf("project path %q must be absolute", p.FSPath)
	}
	return nil
}

// Issue is one mapped issue row. The canonical identifier is the PM's
// project-prefixed identifier when available ("HVSYN-10"), else a
// synthetic key minted from the Tracker ID.
type Issue struct {
	Identifier  string   `json:"identifier"`
	ProjectID   string   `json:"project_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    Priority `json:"priority"`

	// Foreign IDs, unique within (system, project).
	HulyIssueID    string `json:"huly_issue_id,omitempty"`
	TrackerIssueID string `json:"tracker_issue_id,omitempty"`

	// Per-system observation snapshots. Modified timestamps are unix
	// milliseconds and monotonic non-decreasing.
	HulyModifiedAt    int64  `json:"huly_modified_at,omitempty"`
	TrackerModifiedAt int64  `json:"tracker_modified_at,omitempty"`
	HulyStatus        string `json:"huly_status,omitempty"`
	TrackerStatus     string `json:"tracker_status,omitempty"`

	ParentIdentifier string `json:"parent_identifier,omitempty"`
	SubIssueCount    int    `json:"sub_issue_count,omitempty"`

	// ContentHash reflects the last successfully persisted state.
	ContentHash string `json:"-"`

	RemovedFromHuly    bool `json:"removed_from_huly,omitempty"`
	RemovedFromTracker bool `json:"removed_from_tracker,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// hashSep separates hashed fields; 0x1F is the ASCII unit separator and
// cannot occur in titles or statuses.
const hashSep = 0x1F

// ComputeContentHash creates a deterministic hash of the issue's
// propagated content. Priority is deliberately excluded so that
// non-semantic priority churn does not trigger re-propagation.
func (i *Issue) ComputeContentHash() string {
	return ContentHash(i.Title, i.Description, i.Status)
}

// ContentHash hashes (title, description, canonical status) with a
// stable separator. Used for both issue rows and agent memory blocks.
func ContentHash(title, description string, status Status) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte{hashSep})
	h.Write([]byte(description))
	h.Write([]byte{hashSep})
	h.Write([]byte(status))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// Validate checks issue invariants before persistence.
func (i *Issue) Validate() error {
	if i.Identifier == "" {
		return fmt.Errorf("identifier is required")
	}
	if i.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if i.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !i.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", i.Status)
	}
	if !i.Priority.IsValid() {
		return fmt.Errorf("invalid priority: %s", i.Priority)
	}
	return nil
}

// SetDefaults applies defaults for fields omitted by callers.
func (i *Issue) SetDefaults() {
	if i.Status == "" {
		i.Status = StatusBacklog
	}
	if i.Priority == "" {
		i.Priority = PriorityNone
	}
}

// bracketPrefixRe matches leading bracketed tags such as "[P0]", "[bug]",
// "[wip]" that humans prepend to duplicate titles.
var bracketPrefixRe = regexp.MustCompile(`^(\[[^\]]{1,16}\]\s*)+`)

// NormalizeTitle lowercases, trims, and strips common bracketed prefixes
// so near-duplicate titles collide in the dedup index.
func NormalizeTitle(title string) string {
	t := strings.TrimSpace(title)
	t = bracketPrefixRe.ReplaceAllString(t, "")
	t = strings.ToLower(strings.TrimSpace(t))
	return strings.Join(strings.Fields(t), " ")
}

// SyncRun records one orchestrator pass over a project set.
type SyncRun struct {
	ID          string      `json:"id"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Created     int         `json:"created"`
	Updated     int         `json:"updated"`
	Skipped     int         `json:"skipped"`
	Failed      int         `json:"failed"`
	Errors      []SyncError `json:"errors,omitempty"`
}

// SyncError is one recorded failure inside a run. Context fields follow
// the structured-error contract: component, operation, project, identifier.
type SyncError struct {
	Component  string    `json:"component"`
	Operation  string    `json:"operation"`
	Project    string    `json:"project,omitempty"`
	Identifier string    `json:"identifier,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

func (e SyncError) Error() string {
	parts := []string{e.Component, e.Operation}
	if e.Project != "" {
		parts = append(parts, e.Project)
	}
	if e.Identifier != "" {
		parts = append(parts, e.Identifier)
	}
	return fmt.Sprintf("%s: %s", strings.Join(parts, "/"), e.Message)
}

// PendingOpState tracks the lifecycle of a durable intent record.
type PendingOpState string

// Pending op states
const (
	OpPending   PendingOpState = "pending"
	OpSucceeded PendingOpState = "succeeded"
	OpFailed    PendingOpState = "failed"
)

// PendingOpType names the remote mutation an op brackets.
type PendingOpType string

// Pending op types
const (
	OpCreateTracker PendingOpType = "create_tracker"
	OpUpdateTracker PendingOpType = "update_tracker"
	OpCreateHuly    PendingOpType = "create_huly"
	OpPatchHuly     PendingOpType = "patch_huly"
	OpAgentMemory   PendingOpType = "agent_memory"
	OpDedupAgents   PendingOpType = "dedup_agents"
)

// PendingOp is a durable intent record bracketing "mutate remote +
// persist mapping". Survivors at startup are replayed or compensated.
type PendingOp struct {
	ID         string         `json:"id"`
	OpType     PendingOpType  `json:"op_type"`
	System     string         `json:"system"`
	ProjectID  string         `json:"project_id"`
	Identifier string         `json:"identifier,omitempty"`
	Payload    string         `json:"payload,omitempty"` // JSON blob
	State      PendingOpState `json:"state"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// ProjectFile is the derived cache of one uploaded agent-memory file.
type ProjectFile struct {
	ProjectID    string    `json:"project_id"`
	RelPath      string    `json:"rel_path"`
	ContentHash  string    `json:"content_hash"`
	RemoteFileID string    `json:"remote_file_id,omitempty"`
	Size         int64     `json:"size"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UnixMilli converts a time to the store's millisecond representation,
// mapping the zero time to 0.
func UnixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMilli is the inverse of UnixMilli.
func FromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
