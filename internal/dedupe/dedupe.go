// Package dedupe materializes a short-lived per-project index over the
// mapping store so create activities can detect already-known issues
// without a store query per candidate. A positive match always means
// "reuse the row", never "create".
package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/types"
)

// DefaultTTL bounds index staleness. Within one orchestrator phase the
// index also absorbs writes via Put, so the TTL only matters across
// runs triggered in quick succession.
const DefaultTTL = 15 * time.Second

// Index is one project's materialized dedup view.
type Index struct {
	mu          sync.RWMutex
	projectID   string
	byHulyID    map[string]*types.Issue
	byTrackerID map[string]*types.Issue
	byTitleNorm map[string]*types.Issue
	byIdent     map[string]*types.Issue
	builtAt     time.Time
}

// Cache builds and refreshes per-project indexes with a TTL.
type Cache struct {
	store *store.Store
	ttl   time.Duration

	mu      sync.Mutex
	indexes map[string]*Index
}

// NewCache creates a dedup cache over the mapping store. A zero TTL
// uses DefaultTTL.
func NewCache(s *store.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		store:   s,
		ttl:     ttl,
		indexes: make(map[string]*Index),
	}
}

// Get returns a current index for the project, rebuilding it from the
// store when missing or expired.
func (c *Cache) Get(ctx context.Context, projectID string) (*Index, error) {
	c.mu.Lock()
	idx, ok := c.indexes[projectID]
	c.mu.Unlock()
	if ok && time.Since(idx.builtAt) < c.ttl {
		return idx, nil
	}
	return c.Refresh(ctx, projectID)
}

// Refresh unconditionally rebuilds the project's index.
func (c *Cache) Refresh(ctx context.Context, projectID string) (*Index, error) {
	issues, err := c.store.GetProjectIssues(ctx, projectID)
	if err != nil {
		return nil, err
	}
	idx := &Index{
		projectID:   projectID,
		byHulyID:    make(map[string]*types.Issue, len(issues)),
		byTrackerID: make(map[string]*types.Issue, len(issues)),
		byTitleNorm: make(map[string]*types.Issue, len(issues)),
		byIdent:     make(map[string]*types.Issue, len(issues)),
		builtAt:     time.Now(),
	}
	for _, issue := range issues {
		idx.put(issue)
	}
	c.mu.Lock()
	c.indexes[projectID] = idx
	c.mu.Unlock()
	return idx, nil
}

// Invalidate drops the project's index; the next Get rebuilds it.
func (c *Cache) Invalidate(projectID string) {
	c.mu.Lock()
	delete(c.indexes, projectID)
	c.mu.Unlock()
}

func (idx *Index) put(issue *types.Issue) {
	idx.byIdent[issue.Identifier] = issue
	if issue.HulyIssueID != "" {
		idx.byHulyID[issue.HulyIssueID] = issue
	}
	if issue.TrackerIssueID != "" {
		idx.byTrackerID[issue.TrackerIssueID] = issue
	}
	if norm := types.NormalizeTitle(issue.Title); norm != "" {
		idx.byTitleNorm[norm] = issue
	}
}

// Put absorbs a freshly written row so later lookups in the same run
// see it without a refresh.
func (idx *Index) Put(issue *types.Issue) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.put(issue)
}

// ByForeignID looks up a row by per-system foreign ID.
func (idx *Index) ByForeignID(system store.ForeignSystem, foreignID string) *types.Issue {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if system == store.SystemHuly {
		return idx.byHulyID[foreignID]
	}
	return idx.byTrackerID[foreignID]
}

// ByTitle looks up a row by normalized title.
func (idx *Index) ByTitle(title string) *types.Issue {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byTitleNorm[types.NormalizeTitle(title)]
}

// ByIdentifier looks up a row by canonical identifier.
func (idx *Index) ByIdentifier(identifier string) *types.Issue {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.byIdent[identifier]
}

// Match runs the candidate ladder for a create: foreign ID first, then
// canonical identifier, then normalized title. Any hit means the issue
// already exists and must be linked, not created.
func (idx *Index) Match(system store.ForeignSystem, foreignID, identifier, title string) *types.Issue {
	if foreignID != "" {
		if hit := idx.ByForeignID(system, foreignID); hit != nil {
			return hit
		}
	}
	if identifier != "" {
		if hit := idx.ByIdentifier(identifier); hit != nil {
			return hit
		}
	}
	return idx.ByTitle(title)
}
