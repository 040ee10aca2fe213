package trigger

import (
	"context"
	"time"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/types"
)

// Scheduler defaults.
const (
	DefaultTickInterval = 10 * time.Second

	// idleRefresh bounds how stale an inactive project may get before
	// it is synced anyway.
	idleRefresh = 5 * time.Minute
)

// ProjectSource is the slice of the store the scheduler selects
// projects from.
type ProjectSource interface {
	ListProjects(ctx context.Context, includeArchived bool) ([]*types.Project, error)
	CountProjectIssues(ctx context.Context, projectID string) (int, error)
}

// Scheduler kicks active projects on a fixed tick. A project is active
// when it has mapped issues, its PM metadata hash moved since the last
// tick, or it has not synced within the idle-refresh window. Inactive
// projects cost one cheap count query per tick, nothing more.
type Scheduler struct {
	source     ProjectSource
	dispatcher *Dispatcher
	interval   time.Duration

	lastMeta map[string]string
}

// NewScheduler creates a scheduler; interval <= 0 uses the default.
func NewScheduler(source ProjectSource, d *Dispatcher, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		source:     source,
		dispatcher: d,
		interval:   interval,
		lastMeta:   make(map[string]string),
	}
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	projects, err := s.source.ListProjects(ctx, false)
	if err != nil {
		debug.Warnf("trigger: scheduler project list failed: %v", err)
		return
	}
	for _, p := range projects {
		active, reason := s.isActive(ctx, p)
		if !active {
			continue
		}
		s.dispatcher.Kick(p.Identifier, reason)
	}
}

func (s *Scheduler) isActive(ctx context.Context, p *types.Project) (bool, string) {
	if last, ok := s.lastMeta[p.Identifier]; !ok || last != p.MetaHash {
		s.lastMeta[p.Identifier] = p.MetaHash
		if ok {
			return true, "meta-changed"
		}
		// First sighting falls through to the other checks.
	}

	if p.LastSyncAt == nil {
		return true, "never-synced"
	}
	if time.Since(*p.LastSyncAt) >= idleRefresh {
		return true, "idle-refresh"
	}

	n, err := s.source.CountProjectIssues(ctx, p.Identifier)
	if err != nil {
		debug.Warnf("trigger: issue count for %s failed: %v", p.Identifier, err)
		return false, ""
	}
	if n > 0 {
		return true, "tick"
	}
	return false, ""
}
