package beads

import (
	"os"
	"strings"
	"testing"
)

func TestJournalAppendAndRead(t *testing.T) {
	j := NewJournal(t.TempDir())

	issues := []*Issue{
		{ID: "bd-a1", Title: "First", Priority: 1, Labels: []string{"huly:HVSYN-10"}},
		{ID: "bd-a2", Title: "Second", Status: StatusClosed, Priority: 3},
	}
	for _, issue := range issues {
		if err := j.Append(issue); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := j.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 issues, got %d", len(got))
	}
	if got[0].ID != "bd-a1" || !got[0].HasLabel("huly:HVSYN-10") {
		t.Errorf("first issue wrong: %+v", got[0])
	}
	// Defaults applied on append.
	if got[0].Status != StatusOpen || got[0].IssueType != "task" {
		t.Errorf("defaults not applied: %+v", got[0])
	}
	if got[0].CreatedAt.IsZero() || got[0].UpdatedAt.IsZero() {
		t.Errorf("timestamps not set: %+v", got[0])
	}
	// Explicit status survives.
	if got[1].Status != StatusClosed {
		t.Errorf("explicit status lost: %+v", got[1])
	}
}

func TestJournalAppendValidates(t *testing.T) {
	j := NewJournal(t.TempDir())
	if err := j.Append(&Issue{Title: "no id"}); err == nil {
		t.Error("expected error for missing ID")
	}
	if err := j.Append(&Issue{ID: "bd-x"}); err == nil {
		t.Error("expected error for missing title")
	}
}

func TestJournalReadMissingFile(t *testing.T) {
	j := NewJournal(t.TempDir())
	got, err := j.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for missing journal, got %+v", got)
	}
}

func TestJournalLineFormat(t *testing.T) {
	dir := t.TempDir()
	j := NewJournal(dir)
	if err := j.Append(&Issue{ID: "bd-f1", Title: "Line check", Priority: 2}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	data, err := os.ReadFile(j.Path())
	if err != nil {
		t.Fatalf("read journal file: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if strings.Contains(lines[0], "\n") || !strings.HasPrefix(lines[0], `{"id":"bd-f1"`) {
		t.Errorf("unexpected line shape: %s", lines[0])
	}
}

func TestNewID(t *testing.T) {
	a := NewID("bd")
	b := NewID("bd")
	if !strings.HasPrefix(a, "bd-") || !strings.HasPrefix(b, "bd-") {
		t.Errorf("IDs missing prefix: %s %s", a, b)
	}
	if a == b {
		t.Errorf("IDs should be unique: %s", a)
	}
}
