package beads

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/hulylabs/vibesync/internal/debug"
)

// Runner executes one tracker CLI invocation in dir and returns its
// combined output. Tests inject a fake; production uses execRunner.
type Runner func(ctx context.Context, dir string, args ...string) ([]byte, error)

// execRunner shells out to the tracker binary.
func execRunner(binary string) Runner {
	return func(ctx context.Context, dir string, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, binary, args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		if err != nil {
			return out, fmt.Errorf("%s %s: %w: %s", binary, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
		}
		return out, nil
	}
}

// repoLocks serializes tracker access per repository across every
// client in the process. The journal's flock guards against other
// processes; this guards against our own concurrent clients (the
// reconciler builds its own for the same repo).
var repoLocks sync.Map // repo root -> *sync.Mutex

func lockRepo(root string) *sync.Mutex {
	l, _ := repoLocks.LoadOrStore(filepath.Clean(root), &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Client drives one repository's tracker. Safe for concurrent use: CLI
// invocations and journal appends serialize per repository.
type Client struct {
	repoRoot string
	run      Runner
	journal  *Journal
}

// NewClient creates a tracker client for the repository at repoRoot.
// A nil runner uses the "bd" binary on PATH.
func NewClient(repoRoot string, run Runner) *Client {
	if run == nil {
		run = execRunner("bd")
	}
	return &Client{
		repoRoot: repoRoot,
		run:      run,
		journal:  NewJournal(repoRoot),
	}
}

// RepoRoot returns the repository path this client operates on.
func (c *Client) RepoRoot() string { return c.repoRoot }

// invoke runs one CLI invocation under the repository lock. Each
// invocation locks separately, so recovery ladders interleave with
// other clients between steps but single commands never overlap.
func (c *Client) invoke(ctx context.Context, args ...string) ([]byte, error) {
	lock := lockRepo(c.repoRoot)
	lock.Lock()
	defer lock.Unlock()
	return c.run(ctx, c.repoRoot, args...)
}

// Journal returns the direct journal writer for creates.
func (c *Client) Journal() *Journal { return c.journal }

// EnsureRepo initializes the tracker in the repository if its data
// directory is missing, and runs the permission preflight either way.
func (c *Client) EnsureRepo(ctx context.Context) error {
	c.preflight()
	beadsDir := filepath.Join(c.repoRoot, ".beads")
	if _, err := os.Stat(beadsDir); err == nil {
		return nil
	}
	if _, err := c.invoke(ctx, "init", "--no-daemon"); err != nil {
		return fmt.Errorf("failed to initialize tracker: %w", err)
	}
	return nil
}

// preflight warns when critical tracker files exist but are unreadable.
// Unreadable files produce confusing downstream CLI errors, so the
// warning names the file and the likely fix.
func (c *Client) preflight() {
	for _, rel := range []string{
		filepath.Join(".beads", "issues.jsonl"),
		filepath.Join(".beads", "beads.db"),
	} {
		path := filepath.Join(c.repoRoot, rel)
		info, err := os.Stat(path)
		if err != nil {
			continue // absent is fine; init or import creates it
		}
		if info.Mode().Perm()&0o400 == 0 {
			debug.Warnf("tracker file %s is not readable (mode %o); fix with chmod u+r", path, info.Mode().Perm())
		}
	}
}

// outOfSync matches the CLI's journal/database divergence error.
func outOfSync(err error) bool {
	return err != nil && strings.Contains(err.Error(), "Database out of sync")
}

// prefixMismatch matches the CLI's imported-ID prefix complaint.
func prefixMismatch(err error) bool {
	return err != nil && strings.Contains(err.Error(), "prefix mismatch")
}

// noIssues matches the CLI's empty-result message, which it reports on
// stderr with a nonzero exit instead of printing an empty array.
func noIssues(err error) bool {
	return err != nil && strings.Contains(err.Error(), "No issues found")
}

// Reimport reconciles the tracker database from the journal.
func (c *Client) Reimport(ctx context.Context) error {
	_, err := c.invoke(ctx, "sync", "--import-only")
	if prefixMismatch(err) {
		// Imported IDs carry a foreign prefix; rename once and move on.
		debug.Logf("beads: prefix mismatch in %s, retrying import with rename", c.repoRoot)
		_, err = c.invoke(ctx, "sync", "--import-only", "--rename-on-import")
	}
	if err != nil {
		return fmt.Errorf("failed to reimport journal: %w", err)
	}
	return nil
}

// ListIssues returns every issue in the repository. Recovery ladder:
// a "Database out of sync" error triggers one reimport and a retry; if
// the retry still reports divergence, the read falls back to
// --allow-stale rather than failing the sync.
func (c *Client) ListIssues(ctx context.Context) ([]Issue, error) {
	out, err := c.invoke(ctx, "list", "--json", "--limit", "0", "--all")
	if noIssues(err) {
		return nil, nil
	}
	if outOfSync(err) {
		debug.Logf("beads: database out of sync in %s, reimporting", c.repoRoot)
		if rerr := c.Reimport(ctx); rerr != nil {
			return nil, rerr
		}
		out, err = c.invoke(ctx, "list", "--json", "--limit", "0", "--all")
		if outOfSync(err) {
			out, err = c.invoke(ctx, "list", "--json", "--limit", "0", "--all", "--allow-stale")
		}
	}
	if noIssues(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list tracker issues: %w", err)
	}
	var issues []Issue
	if err := json.Unmarshal(out, &issues); err != nil {
		return nil, fmt.Errorf("failed to parse tracker list output: %w", err)
	}
	return issues, nil
}

// ShowIssue returns one issue by ID, or nil when absent.
func (c *Client) ShowIssue(ctx context.Context, id string) (*Issue, error) {
	out, err := c.invoke(ctx, "show", id, "--json")
	if noIssues(err) || (err != nil && strings.Contains(err.Error(), "not found")) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to show tracker issue %s: %w", id, err)
	}
	var issue Issue
	if err := json.Unmarshal(out, &issue); err != nil {
		return nil, fmt.Errorf("failed to parse tracker show output: %w", err)
	}
	return &issue, nil
}

// UpdateFields applies field updates to one issue through the CLI.
// Supported keys: title, description, status, priority.
func (c *Client) UpdateFields(ctx context.Context, id string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := []string{"update", id}
	// Stable ordering keeps the invocation deterministic for tests.
	for _, key := range []string{"title", "description", "status", "priority"} {
		if v, ok := fields[key]; ok {
			args = append(args, "--"+key, v)
		}
	}
	args = append(args, "--json")
	if _, err := c.invoke(ctx, args...); err != nil {
		return fmt.Errorf("failed to update tracker issue %s: %w", id, err)
	}
	return nil
}

// SetStatus updates only the status field.
func (c *Client) SetStatus(ctx context.Context, id string, status Status) error {
	return c.UpdateFields(ctx, id, map[string]string{"status": string(status)})
}

// SetPriority updates only the priority field.
func (c *Client) SetPriority(ctx context.Context, id string, priority int) error {
	return c.UpdateFields(ctx, id, map[string]string{"priority": strconv.Itoa(priority)})
}

// AddLabel attaches a label without flushing the journal; the caller
// batches a reimport at the end of the phase.
func (c *Client) AddLabel(ctx context.Context, id, label string) error {
	if _, err := c.invoke(ctx, "label", "add", id, label, "--no-auto-flush"); err != nil {
		return fmt.Errorf("failed to add label to %s: %w", id, err)
	}
	return nil
}

// RemoveLabel detaches a label without flushing the journal.
func (c *Client) RemoveLabel(ctx context.Context, id, label string) error {
	if _, err := c.invoke(ctx, "label", "remove", id, label, "--no-auto-flush"); err != nil {
		return fmt.Errorf("failed to remove label from %s: %w", id, err)
	}
	return nil
}

// AppendIssue writes a new issue straight to the journal. This is the
// reliable create path; the database catches up on the next Reimport.
func (c *Client) AppendIssue(_ context.Context, issue *Issue) error {
	lock := lockRepo(c.repoRoot)
	lock.Lock()
	defer lock.Unlock()
	return c.journal.Append(issue)
}

// ImportFile imports a JSONL file into the tracker database.
func (c *Client) ImportFile(ctx context.Context, path string) error {
	if _, err := c.invoke(ctx, "import", "-i", path, "--no-daemon"); err != nil {
		return fmt.Errorf("failed to import %s: %w", path, err)
	}
	return nil
}
