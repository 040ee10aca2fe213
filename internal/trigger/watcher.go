package trigger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/syncer"
)

// DefaultDebounce batches editor save storms into one flush.
const DefaultDebounce = 500 * time.Millisecond

// ProjectFiles is the file-cache surface the watcher drives.
type ProjectFiles interface {
	SyncFile(ctx context.Context, projectID, absPath, relPath string) error
	DeleteFile(ctx context.Context, projectID, relPath string) error
}

// Watcher mirrors document changes in project repos into the file
// cache. Events are debounced per path; removals and renames turn into
// cache deletes.
type Watcher struct {
	files    ProjectFiles
	fsw      *fsnotify.Watcher
	debounce time.Duration

	roots   map[string]string // absolute dir root -> project identifier
	pending map[string]fsnotify.Op
	timer   *time.Timer
}

// NewWatcher creates a watcher; debounce <= 0 uses the default.
func NewWatcher(files ProjectFiles, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{
		files:    files,
		fsw:      fsw,
		debounce: debounce,
		roots:    make(map[string]string),
		pending:  make(map[string]fsnotify.Op),
		timer:    time.NewTimer(time.Hour),
	}, nil
}

// AddProject watches a project repo, recursively, skipping repo
// internals.
func (w *Watcher) AddProject(projectID, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.roots[abs] = projectID
	return filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if syncer.IgnoredDir(d.Name()) && path != abs {
			return filepath.SkipDir
		}
		if werr := w.fsw.Add(path); werr != nil {
			debug.Warnf("trigger: watch %s: %v", path, werr)
		}
		return nil
	})
}

// Run processes events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.fsw.Close() }()
	if !w.timer.Stop() {
		<-w.timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			debug.Warnf("trigger: watcher error: %v", err)
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.observe(ev)
		case <-w.timer.C:
			w.flush(ctx)
		}
	}
}

func (w *Watcher) observe(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	// New directories join the watch set immediately; their files
	// arrive as separate events.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !syncer.IgnoredDir(name) {
				if err := w.fsw.Add(ev.Name); err != nil {
					debug.Warnf("trigger: watch new dir %s: %v", ev.Name, err)
				}
			}
			return
		}
	}

	if !syncer.EligibleFile(name) {
		return
	}
	w.pending[ev.Name] |= ev.Op
	w.timer.Reset(w.debounce)
}

func (w *Watcher) flush(ctx context.Context) {
	for path, op := range w.pending {
		delete(w.pending, path)
		projectID, rel, ok := w.resolve(path)
		if !ok {
			continue
		}
		var err error
		if op.Has(fsnotify.Remove) || op.Has(fsnotify.Rename) {
			err = w.files.DeleteFile(ctx, projectID, rel)
		} else {
			err = w.files.SyncFile(ctx, projectID, path, rel)
		}
		if err != nil {
			debug.Warnf("trigger: file event for %s/%s: %v", projectID, rel, err)
		}
	}
}

// resolve maps an absolute path to (project, repo-relative path) via
// the longest matching root.
func (w *Watcher) resolve(path string) (projectID, rel string, ok bool) {
	var best string
	for root, id := range w.roots {
		if strings.HasPrefix(path, root+string(filepath.Separator)) && len(root) > len(best) {
			best = root
			projectID = id
		}
	}
	if best == "" {
		return "", "", false
	}
	rel, err := filepath.Rel(best, path)
	if err != nil {
		return "", "", false
	}
	return projectID, rel, true
}
