package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hulylabs/vibesync/internal/config"
	"github.com/hulylabs/vibesync/internal/httpx"
	"github.com/hulylabs/vibesync/internal/huly"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/types"
)

// discoveryEngine wires a minimal engine against a fake PM project list.
func discoveryEngine(t *testing.T, remote *[]huly.Project) *engine {
	t.Helper()
	s, err := store.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(*remote)
	}))
	t.Cleanup(srv.Close)

	hc := httpx.NewClient(httpx.Options{MinInterval: -1, MaxRetries: 1, BaseBackoff: time.Millisecond})
	return &engine{
		cfg: &config.Settings{TrackerRoot: t.TempDir()},
		st:  s,
		pm:  huly.NewClient(srv.URL, "test-token", hc),
	}
}

func TestDiscoverProjectsSetsMetaHash(t *testing.T) {
	remote := []huly.Project{{Identifier: "HVSYN", Name: "Vibe Sync", Description: "sync engine"}}
	eng := discoveryEngine(t, &remote)
	ctx := context.Background()

	projects, err := eng.discoverProjects(ctx)
	if err != nil {
		t.Fatalf("discoverProjects: %v", err)
	}
	if len(projects) != 1 || projects[0].MetaHash == "" {
		t.Fatalf("expected one project with a metadata hash, got %+v", projects)
	}
	first := projects[0].MetaHash

	// Unchanged metadata keeps the hash stable across refreshes.
	projects, err = eng.discoverProjects(ctx)
	if err != nil {
		t.Fatalf("second discovery: %v", err)
	}
	if projects[0].MetaHash != first {
		t.Errorf("hash moved without a metadata change: %q -> %q", first, projects[0].MetaHash)
	}

	// A rename moves the hash.
	remote[0].Name = "Vibe Sync Renamed"
	projects, err = eng.discoverProjects(ctx)
	if err != nil {
		t.Fatalf("third discovery: %v", err)
	}
	if projects[0].MetaHash == first {
		t.Error("hash must change when project metadata changes")
	}
}

func TestDiscoverProjectsPreservesBinding(t *testing.T) {
	remote := []huly.Project{{Identifier: "HVSYN", Name: "Vibe Sync"}}
	eng := discoveryEngine(t, &remote)
	ctx := context.Background()

	if err := eng.st.UpsertProject(ctx, &types.Project{
		Identifier: "HVSYN", Name: "stale name", AgentID: "agent-7",
	}); err != nil {
		t.Fatalf("seed project: %v", err)
	}

	projects, err := eng.discoverProjects(ctx)
	if err != nil {
		t.Fatalf("discoverProjects: %v", err)
	}
	p := projects[0]
	if p.AgentID != "agent-7" {
		t.Errorf("discovery must preserve the agent binding, got %q", p.AgentID)
	}
	if p.Name != "Vibe Sync" || p.MetaHash == "" {
		t.Errorf("discovery must refresh PM-owned fields: %+v", p)
	}
}
