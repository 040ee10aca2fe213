// Package config centralizes engine configuration: environment
// variables first, an optional vibesync.yaml underneath, hard defaults
// at the bottom. A package-level viper instance backs typed getters so
// callers never touch raw keys.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config keys. Environment variables derive from these by uppercasing
// and replacing dots with underscores (pm.api-url -> PM_API_URL).
const (
	KeyPMAPIURL    = "pm.api-url"
	KeyPMToken     = "pm.token"
	KeyRepoRoot    = "tracker.repo-root"
	KeyAgentsURL   = "agents.api-url"
	KeyAgentsTok   = "agents.token"
	KeyControlID   = "agents.control-agent-id"
	KeyDBPath      = "db.path"
	KeySyncEvery   = "sync.interval-ms"
	KeyCycleLimit  = "sync.cycle-timeout-ms"
	KeyParallel    = "sync.parallel"
	KeyMaxWorkers  = "sync.max-workers"
	KeyHealthPort  = "health.port"
	KeyHealthKey   = "health.api-key"
	KeyReconAct    = "reconciliation.action"
	KeyReconDry    = "reconciliation.dry-run"
	KeyDedupeTTL   = "dedupe.cache-ttl-ms"
	KeyHTTPMinGap  = "http.min-request-interval-ms"
	KeyHTTPTries   = "http.max-retry-attempts"
	KeyHTTPBackoff = "http.base-backoff-ms"
)

var v *viper.Viper

// Initialize sets up the shared viper instance. Precedence: explicit
// environment variables, then vibesync.yaml in the working directory,
// then defaults. Call once at startup.
func Initialize() error {
	v = viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Historical env names kept alongside the derived ones.
	_ = v.BindEnv(KeyParallel, "PARALLEL_SYNC", "SYNC_PARALLEL")
	_ = v.BindEnv(KeyMaxWorkers, "MAX_WORKERS", "SYNC_MAX_WORKERS")

	registerDefaults()

	v.SetConfigName("vibesync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read vibesync.yaml: %w", err)
		}
	}
	return nil
}

func registerDefaults() {
	v.SetDefault(KeyDBPath, "logs/sync-state.db")
	v.SetDefault(KeySyncEvery, 10_000)
	v.SetDefault(KeyCycleLimit, 900_000)
	v.SetDefault(KeyParallel, true)
	v.SetDefault(KeyMaxWorkers, 5)
	v.SetDefault(KeyHealthPort, 8787)
	v.SetDefault(KeyReconAct, "mark_deleted")
	v.SetDefault(KeyReconDry, false)
	v.SetDefault(KeyDedupeTTL, 15_000)
	v.SetDefault(KeyHTTPMinGap, 75)
	v.SetDefault(KeyHTTPTries, 5)
	v.SetDefault(KeyHTTPBackoff, 200)
}

// Settings is the resolved engine configuration.
type Settings struct {
	PMAPIURL       string
	PMToken        string
	TrackerRoot    string
	AgentsAPIURL   string
	AgentsToken    string
	ControlAgentID string

	DBPath string

	SyncInterval time.Duration
	CycleTimeout time.Duration
	Parallel     bool
	MaxWorkers   int

	HealthPort   int
	HealthAPIKey string

	ReconcileAction string
	ReconcileDryRun bool

	DedupeTTL       time.Duration
	HTTPMinInterval time.Duration
	HTTPMaxRetries  int
	HTTPBaseBackoff time.Duration
}

// Load resolves the full settings snapshot. Initialize must have run.
func Load() (*Settings, error) {
	if v == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	s := &Settings{
		PMAPIURL:       GetString(KeyPMAPIURL),
		PMToken:        GetString(KeyPMToken),
		TrackerRoot:    GetString(KeyRepoRoot),
		AgentsAPIURL:   GetString(KeyAgentsURL),
		AgentsToken:    GetString(KeyAgentsTok),
		ControlAgentID: GetString(KeyControlID),

		DBPath: GetString(KeyDBPath),

		SyncInterval: time.Duration(GetInt(KeySyncEvery)) * time.Millisecond,
		CycleTimeout: time.Duration(GetInt(KeyCycleLimit)) * time.Millisecond,
		Parallel:     GetBool(KeyParallel),
		MaxWorkers:   GetInt(KeyMaxWorkers),

		HealthPort:   GetInt(KeyHealthPort),
		HealthAPIKey: GetString(KeyHealthKey),

		ReconcileAction: GetString(KeyReconAct),
		ReconcileDryRun: GetBool(KeyReconDry),

		DedupeTTL:       time.Duration(GetInt(KeyDedupeTTL)) * time.Millisecond,
		HTTPMinInterval: time.Duration(GetInt(KeyHTTPMinGap)) * time.Millisecond,
		HTTPMaxRetries:  GetInt(KeyHTTPTries),
		HTTPBaseBackoff: time.Duration(GetInt(KeyHTTPBackoff)) * time.Millisecond,
	}
	if s.ReconcileDryRun {
		s.ReconcileAction = "dry_run"
	}
	return s, s.validate()
}

func (s *Settings) validate() error {
	if s.PMAPIURL == "" {
		return fmt.Errorf("PM_API_URL is required")
	}
	if s.TrackerRoot == "" {
		return fmt.Errorf("TRACKER_REPO_ROOT is required")
	}
	if s.MaxWorkers < 1 {
		return fmt.Errorf("SYNC_MAX_WORKERS must be at least 1")
	}
	if s.SyncInterval < time.Second {
		return fmt.Errorf("SYNC_INTERVAL_MS must be at least 1000")
	}
	return nil
}

// GetString returns a string config value, "" when unset.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetInt returns an int config value, 0 when unset.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetBool returns a bool config value, false when unset.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// Set overrides a value; tests and CLI flags use this.
func Set(key string, value any) {
	if v != nil {
		v.Set(key, value)
	}
}

// Reset drops the shared instance. Test helper.
func Reset() {
	v = nil
}
