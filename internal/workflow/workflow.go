// Package workflow is the activity runtime: it executes idempotent
// cross-system mutations with at-least-once semantics, bounded retry
// for retryable failures, and a durable result journal so replays of a
// run return recorded results instead of re-executing side effects.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/httpx"
	"github.com/hulylabs/vibesync/internal/store"
	"github.com/hulylabs/vibesync/internal/telemetry"
)

// Result is the plain-data outcome of one activity execution.
type Result struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Created bool   `json:"created,omitempty"`
	Updated bool   `json:"updated,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Activity is one idempotent unit of work. Implementations must check
// the mapping store or dedup index first and return {Skipped, ID} when
// the effect already exists, because the runtime may invoke them more
// than once.
type Activity interface {
	// ID must be stable across replays of the same logical operation
	// within a run; it keys the result journal.
	ID() string
	Execute(ctx context.Context) (*Result, error)
}

// Policy bounds retry behavior for retryable failures.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
}

// DefaultPolicy matches the client-level defaults.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseBackoff: 200 * time.Millisecond}

// Runtime executes activities against the journal in the mapping store.
type Runtime struct {
	store  *store.Store
	policy Policy
}

// NewRuntime creates a runtime. A zero policy uses DefaultPolicy.
func NewRuntime(s *store.Store, policy Policy) *Runtime {
	if policy.MaxAttempts <= 0 {
		policy = DefaultPolicy
	}
	return &Runtime{store: s, policy: policy}
}

// Retryable classifies an error for the retry decision. Transient
// failures retry; everything else fails fast. Unavailable is
// deliberately non-retryable here: the orchestrator aborts the
// project's run and lets the next scheduled invocation try again.
func Retryable(err error) bool {
	return httpx.IsTransient(err)
}

// Run executes the activity under the run's journal. If a result for
// (runID, activity.ID()) is already recorded, it is returned without
// executing; this is what makes workflow replay deterministic after a
// crash. Fresh executions retry retryable errors up to MaxAttempts
// with doubling backoff and journal only successful outcomes, so a
// resumed run re-attempts what previously failed.
func (r *Runtime) Run(ctx context.Context, runID string, activity Activity) (*Result, error) {
	if recorded, ok, err := r.recordedResult(ctx, runID, activity.ID()); err != nil {
		return nil, err
	} else if ok {
		debug.Logf("workflow: replaying recorded result for %s/%s", runID, activity.ID())
		return recorded, nil
	}

	result, err := r.execute(ctx, activity)
	if err != nil {
		// Failures are not journaled: a resumed run must be able to
		// re-attempt an activity that never took effect. Activities are
		// idempotent, so a re-attempt after a partial effect converges.
		return nil, err
	}

	if jerr := r.journal(ctx, runID, activity.ID(), result); jerr != nil {
		// The side effect happened but the journal write failed; the
		// mapping store is the source of truth, so surface the error.
		return nil, jerr
	}
	return result, nil
}

func (r *Runtime) execute(ctx context.Context, activity Activity) (*Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.policy.BaseBackoff
	bo.MaxElapsedTime = 0

	var result *Result
	attempt := 0
	op := func() error {
		attempt++
		if attempt > 1 {
			telemetry.RecordActivityRetry(ctx, activity.ID())
		}
		var err error
		result, err = activity.Execute(ctx)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt >= r.policy.MaxAttempts {
			return backoff.Permanent(err)
		}
		debug.Logf("workflow: activity %s attempt %d/%d failed: %v",
			activity.ID(), attempt, r.policy.MaxAttempts, err)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Runtime) recordedResult(ctx context.Context, runID, activityID string) (*Result, bool, error) {
	raw, ok, err := r.store.GetActivityResult(ctx, runID, activityID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read activity journal: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	var result Result
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, false, fmt.Errorf("failed to parse journaled result: %w", err)
	}
	return &result, true, nil
}

func (r *Runtime) journal(ctx context.Context, runID, activityID string, result *Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal activity result: %w", err)
	}
	if err := r.store.RecordActivityResult(ctx, runID, activityID, string(raw)); err != nil {
		return fmt.Errorf("failed to journal activity result: %w", err)
	}
	return nil
}

// Func adapts a function to the Activity interface.
type Func struct {
	ActivityID string
	Fn         func(ctx context.Context) (*Result, error)
}

// ID implements Activity.
func (f Func) ID() string { return f.ActivityID }

// Execute implements Activity.
func (f Func) Execute(ctx context.Context) (*Result, error) { return f.Fn(ctx) }
