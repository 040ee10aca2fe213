package syncer

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/types"
)

// MaxProjectFileSize caps cached project files; agents only consume
// docs, not artifacts.
const MaxProjectFileSize = 1 << 20

// FileSync maintains the derived per-project file cache that backs the
// agents' document context. The store is the source of truth; the hash
// makes re-syncs of unchanged files free.
type FileSync struct {
	store *store.Store
}

// NewFileSync creates a file sync over the mapping store.
func NewFileSync(s *store.Store) *FileSync {
	return &FileSync{store: s}
}

// SyncFile refreshes the cache entry for one file. Oversized and
// unreadable files are skipped with a warning; a vanished file is
// treated as a delete.
func (f *FileSync) SyncFile(ctx context.Context, projectID, absPath, relPath string) error {
	info, err := os.Stat(absPath)
	if os.IsNotExist(err) {
		return f.DeleteFile(ctx, projectID, relPath)
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", absPath, err)
	}
	if info.IsDir() {
		return nil
	}
	if info.Size() > MaxProjectFileSize {
		debug.Warnf("syncer: skipping oversized project file %s (%d bytes)", relPath, info.Size())
		return nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", absPath, err)
	}
	hash := fmt.Sprintf("%x", sha256.Sum256(data))

	existing, err := f.store.GetProjectFile(ctx, projectID, relPath)
	if err != nil {
		return err
	}
	if existing != nil && existing.ContentHash == hash {
		return nil
	}

	debug.Logf("syncer: project file changed %s/%s (%d bytes)", projectID, relPath, len(data))
	return f.store.UpsertProjectFile(ctx, &types.ProjectFile{
		ProjectID:   projectID,
		RelPath:     relPath,
		ContentHash: hash,
		Size:        info.Size(),
	})
}

// DeleteFile drops the cache entry for a removed file.
func (f *FileSync) DeleteFile(ctx context.Context, projectID, relPath string) error {
	debug.LogEvent("FILE_REMOVED", projectID, relPath, "")
	return f.store.DeleteProjectFile(ctx, projectID, relPath)
}

// SyncDir walks a project directory once and refreshes every eligible
// file. Used at startup to catch changes made while the watcher was
// down.
func (f *FileSync) SyncDir(ctx context.Context, projectID, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			debug.Logf("syncer: walk %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if IgnoredDir(d.Name()) && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !EligibleFile(d.Name()) {
			return nil
		}
		rel, rerr := filepath.Rel(root, path)
		if rerr != nil {
			return rerr
		}
		if serr := f.SyncFile(ctx, projectID, path, rel); serr != nil {
			debug.Warnf("syncer: sync file %s: %v", rel, serr)
		}
		return nil
	})
}

// IgnoredDir filters repo internals out of the file walk and watcher.
func IgnoredDir(name string) bool {
	switch name {
	case ".git", ".beads", "node_modules", "logs":
		return true
	}
	return false
}

// EligibleFile selects the document types agents consume.
func EligibleFile(name string) bool {
	switch filepath.Ext(name) {
	case ".md", ".txt", ".rst":
		return true
	}
	return false
}
