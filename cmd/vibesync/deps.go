package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hulylabs/vibesync/internal/beads"
	"github.com/hulylabs/vibesync/internal/config"
	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/dedupe"
	"github.com/hulylabs/vibesync/internal/digest"
	"github.com/hulylabs/vibesync/internal/httpx"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/letta"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/types"
	"github.com/hulylabs/vibesync/internal/workflow"
)

// Per-service request timeouts.
const (
	requestTimeout   = 60 * time.Second
	pmRequestTimeout = 120 * time.Second
)

// engine bundles the wired components the subcommands share.
type engine struct {
	cfg      *config.Settings
	st       *store.Store
	pm       *huly.Client
	agents   *letta.Client
	trackers syncer.TrackerFactory
	orch     *syncer.Orchestrator
}

// buildEngine opens the mapping store and wires clients, dedup cache,
// workflow runtime, and the orchestrator. The caller closes the engine.
func buildEngine(ctx context.Context, cfg *config.Settings) (*engine, error) {
	st, err := store.New(ctx, cfg.DBPath)
	if err != nil {
		return nil, exitWith(2, fmt.Errorf("failed to open mapping store at %s: %w", cfg.DBPath, err))
	}

	// The PM client gets its own, longer timeout: bulk listings over
	// large projects run well past the general request budget.
	pmHC := httpx.NewClient(httpx.Options{
		MinInterval: cfg.HTTPMinInterval,
		MaxRetries:  cfg.HTTPMaxRetries,
		BaseBackoff: cfg.HTTPBaseBackoff,
		Timeout:     pmRequestTimeout,
	})
	hc := httpx.NewClient(httpx.Options{
		MinInterval: cfg.HTTPMinInterval,
		MaxRetries:  cfg.HTTPMaxRetries,
		BaseBackoff: cfg.HTTPBaseBackoff,
		Timeout:     requestTimeout,
	})
	pm := huly.NewClient(cfg.PMAPIURL, cfg.PMToken, pmHC)

	trackers := syncer.TrackerFactory(func(fsPath string) syncer.Tracker {
		return beads.NewClient(fsPath, nil)
	})

	var agents *letta.Client
	var memory syncer.AgentMemory
	if cfg.AgentsAPIURL != "" {
		agents = letta.NewClient(cfg.AgentsAPIURL, cfg.AgentsToken, hc)
		memory = letta.NewMemoryUpdater(agents)
	} else {
		debug.Warnf("AGENTS_API_URL not set; agent memory updates disabled")
	}

	dd := dedupe.NewCache(st, cfg.DedupeTTL)
	rt := workflow.NewRuntime(st, workflow.Policy{
		MaxAttempts: cfg.HTTPMaxRetries,
		BaseBackoff: cfg.HTTPBaseBackoff,
	})

	orch := syncer.New(st, pm, trackers, memory, dd, rt)
	if gen, err := digest.New(""); err == nil {
		orch.SetDigest(gen)
	} else {
		debug.Logf("activity digests disabled: %v", err)
	}

	return &engine{
		cfg:      cfg,
		st:       st,
		pm:       pm,
		agents:   agents,
		trackers: trackers,
		orch:     orch,
	}, nil
}

func (e *engine) Close() {
	if err := e.st.Close(); err != nil {
		debug.Warnf("failed to close mapping store: %v", err)
	}
}

// discoverProjects refreshes local project rows from the PM project
// list. Fields the PM does not own (agent binding, sync cursor, meta
// hash) are preserved across refreshes.
func (e *engine) discoverProjects(ctx context.Context) ([]*types.Project, error) {
	remote, err := e.pm.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list PM projects: %w", err)
	}

	for _, rp := range remote {
		row, err := e.st.GetProject(ctx, rp.Identifier)
		if err != nil {
			return nil, err
		}
		if row == nil {
			row = &types.Project{
				Identifier:    rp.Identifier,
				HulyProjectID: rp.Identifier,
				TrackerPrefix: rp.Identifier,
			}
		}
		row.Name = rp.Name
		row.Archived = rp.Archived
		row.MetaHash = pmMetaHash(rp)
		if row.FSPath == "" {
			row.FSPath = projectRepoPath(e.cfg.TrackerRoot, rp.Identifier)
		}
		if err := e.st.UpsertProject(ctx, row); err != nil {
			return nil, fmt.Errorf("failed to upsert project %s: %w", rp.Identifier, err)
		}
	}

	return e.st.ListProjects(ctx, false)
}

// pmMetaHash fingerprints the PM-owned project metadata. The scheduler
// treats a moved hash as activity and pulls the project forward.
func pmMetaHash(p huly.Project) string {
	h := sha256.New()
	for _, part := range []string{p.Name, p.Description, strconv.FormatBool(p.Archived)} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// projectRepoPath locates the project's repository under the tracker
// root, trying the identifier as-is and lowercased. Returns "" when no
// directory exists; such projects sync PM<->store only.
func projectRepoPath(root, identifier string) string {
	for _, name := range []string{identifier, strings.ToLower(identifier)} {
		p := filepath.Join(root, name)
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			abs, err := filepath.Abs(p)
			if err != nil {
				return ""
			}
			return abs
		}
	}
	return ""
}

// ensureTrackerRepos initializes the tracker in each project repo and
// runs the permission preflight. Failures are warnings: a project with
// a broken repo still syncs its PM side.
func (e *engine) ensureTrackerRepos(ctx context.Context, projects []*types.Project) {
	for _, p := range projects {
		if p.FSPath == "" {
			continue
		}
		tc := beads.NewClient(p.FSPath, nil)
		if err := tc.EnsureRepo(ctx); err != nil {
			debug.Warnf("project %s: %v", p.Identifier, err)
		}
	}
}
