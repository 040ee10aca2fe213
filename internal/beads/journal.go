package beads

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Journal appends issues directly to .beads/issues.jsonl. The append
// is the durable half of a create; the tracker database catches up on
// the next import. Writes are serialized by a per-repo file lock so a
// concurrent tracker sync cannot interleave with a half-written line.
type Journal struct {
	repoRoot string
}

// NewJournal returns a journal writer for the repository.
func NewJournal(repoRoot string) *Journal {
	return &Journal{repoRoot: repoRoot}
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return filepath.Join(j.repoRoot, ".beads", "issues.jsonl")
}

func (j *Journal) lockPath() string {
	return filepath.Join(j.repoRoot, ".beads", ".sync.lock")
}

// NewID mints a tracker-style issue ID with the repository prefix.
func NewID(prefix string) string {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken.
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%s", prefix, hex.EncodeToString(b)[:5])
}

// Append writes one issue as a JSONL line under the repo lock.
// Timestamps default to now; the status defaults to open.
func (j *Journal) Append(issue *Issue) error {
	if issue.ID == "" {
		return fmt.Errorf("issue ID is required")
	}
	if issue.Title == "" {
		return fmt.Errorf("issue title is required")
	}
	now := time.Now().UTC()
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = now
	}
	if issue.UpdatedAt.IsZero() {
		issue.UpdatedAt = now
	}
	if issue.Status == "" {
		issue.Status = StatusOpen
	}
	if issue.IssueType == "" {
		issue.IssueType = "task"
	}

	line, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("failed to marshal issue: %w", err)
	}

	dir := filepath.Dir(j.Path())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create tracker directory: %w", err)
	}

	lock := flock.New(j.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire journal lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(j.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Read returns all issues currently in the journal. Used by crash
// recovery to locate an appended issue by its back-reference label.
func (j *Journal) Read() ([]Issue, error) {
	data, err := os.ReadFile(j.Path())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}

	var issues []Issue
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var issue Issue
		if err := dec.Decode(&issue); err != nil {
			return nil, fmt.Errorf("failed to parse journal line: %w", err)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}
