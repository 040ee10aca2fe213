package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func initFor(t *testing.T) {
	t.Helper()
	t.Cleanup(Reset)
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PM_API_URL", "http://pm.local")
	t.Setenv("TRACKER_REPO_ROOT", "/srv/repos")
}

func TestDefaults(t *testing.T) {
	setRequired(t)
	initFor(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.DBPath != "logs/sync-state.db" {
		t.Errorf("default db path = %q", s.DBPath)
	}
	if s.SyncInterval != 10*time.Second {
		t.Errorf("default interval = %v", s.SyncInterval)
	}
	if s.MaxWorkers != 5 || !s.Parallel {
		t.Errorf("default workers = %d parallel = %v", s.MaxWorkers, s.Parallel)
	}
	if s.HTTPMinInterval != 75*time.Millisecond || s.HTTPMaxRetries != 5 {
		t.Errorf("http defaults = %v / %d", s.HTTPMinInterval, s.HTTPMaxRetries)
	}
	if s.ReconcileAction != "mark_deleted" {
		t.Errorf("default reconcile action = %q", s.ReconcileAction)
	}
}

func TestEnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SYNC_INTERVAL_MS", "30000")
	t.Setenv("MAX_WORKERS", "2")
	t.Setenv("PARALLEL_SYNC", "false")
	t.Setenv("DEDUPE_CACHE_TTL_MS", "60000")
	t.Setenv("HEALTH_PORT", "9999")
	initFor(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.SyncInterval != 30*time.Second {
		t.Errorf("interval = %v", s.SyncInterval)
	}
	if s.MaxWorkers != 2 || s.Parallel {
		t.Errorf("workers = %d parallel = %v", s.MaxWorkers, s.Parallel)
	}
	if s.DedupeTTL != time.Minute {
		t.Errorf("dedupe ttl = %v", s.DedupeTTL)
	}
	if s.HealthPort != 9999 {
		t.Errorf("health port = %d", s.HealthPort)
	}
}

func TestDryRunForcesAction(t *testing.T) {
	setRequired(t)
	t.Setenv("RECONCILIATION_ACTION", "hard_delete")
	t.Setenv("RECONCILIATION_DRY_RUN", "true")
	initFor(t)

	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.ReconcileAction != "dry_run" {
		t.Errorf("dry-run should override the action, got %q", s.ReconcileAction)
	}
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing pm url", map[string]string{"TRACKER_REPO_ROOT": "/srv"}},
		{"missing repo root", map[string]string{"PM_API_URL": "http://pm"}},
		{"zero workers", map[string]string{
			"PM_API_URL": "http://pm", "TRACKER_REPO_ROOT": "/srv", "MAX_WORKERS": "0",
		}},
		{"interval too small", map[string]string{
			"PM_API_URL": "http://pm", "TRACKER_REPO_ROOT": "/srv", "SYNC_INTERVAL_MS": "50",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, val := range tt.env {
				t.Setenv(k, val)
			}
			initFor(t)
			if _, err := Load(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestYAMLFile(t *testing.T) {
	dir := t.TempDir()
	yaml := "pm:\n  api-url: http://from-yaml\ntracker:\n  repo-root: /srv/yaml\nhealth:\n  port: 4242\n"
	if err := os.WriteFile(filepath.Join(dir, "vibesync.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	initFor(t)
	s, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.PMAPIURL != "http://from-yaml" || s.HealthPort != 4242 {
		t.Errorf("yaml values not applied: %+v", s)
	}

	// Environment still wins over the file.
	t.Setenv("HEALTH_PORT", "5555")
	Reset()
	initFor(t)
	s, err = Load()
	if err != nil {
		t.Fatal(err)
	}
	if s.HealthPort != 5555 {
		t.Errorf("env should beat yaml, got %d", s.HealthPort)
	}
}

func TestLoadWithoutInitialize(t *testing.T) {
	Reset()
	if _, err := Load(); err == nil {
		t.Fatal("Load before Initialize must fail")
	}
	if got := GetString(KeyDBPath); got != "" {
		t.Errorf("nil-safe GetString = %q", got)
	}
	if GetBool(KeyParallel) {
		t.Error("nil-safe GetBool should be false")
	}
	if GetInt(KeyHealthPort) != 0 {
		t.Error("nil-safe GetInt should be 0")
	}
}
