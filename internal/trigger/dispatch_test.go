package trigger

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/types"
)

type fakeHistory struct {
	mu        sync.Mutex
	started   int
	completed []*types.SyncRun
}

func (f *fakeHistory) StartSyncRun(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return fmt.Sprintf("run-%d", f.started), nil
}

func (f *fakeHistory) CompleteSyncRun(_ context.Context, run *types.SyncRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, run)
	return nil
}

type fakeRunner struct {
	runs     atomic.Int32
	block    chan struct{} // when set, runs wait here
	entered  chan string
	honorCtx bool // when set, blocked runs also return on ctx cancellation
}

func (f *fakeRunner) SyncProject(ctx context.Context, runID, projectID string) (*syncer.Stats, error) {
	f.runs.Add(1)
	if f.entered != nil {
		f.entered <- projectID
	}
	if f.block != nil {
		if f.honorCtx {
			select {
			case <-f.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-f.block
		}
	}
	return &syncer.Stats{Updated: 1}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDispatcherRunsAndRecords(t *testing.T) {
	runner := &fakeRunner{}
	history := &fakeHistory{}
	d := NewDispatcher(context.Background(), runner, history)

	d.Kick("HVSYN", "test")
	d.Wait()

	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
	if len(history.completed) != 1 || history.completed[0].Updated != 1 {
		t.Errorf("run record not completed: %+v", history.completed)
	}
}

func TestDispatcherCoalescesKicks(t *testing.T) {
	runner := &fakeRunner{
		block:   make(chan struct{}),
		entered: make(chan string, 10),
	}
	d := NewDispatcher(context.Background(), runner, &fakeHistory{})

	d.Kick("HVSYN", "tick")
	<-runner.entered // first pass is in flight

	// Three more kicks while running collapse into one rerun.
	d.Kick("HVSYN", "webhook")
	d.Kick("HVSYN", "webhook")
	d.Kick("HVSYN", "tick")

	close(runner.block)
	d.Wait()

	if got := runner.runs.Load(); got != 2 {
		t.Errorf("expected in-flight pass plus one rerun, got %d runs", got)
	}
}

func TestDispatcherProjectsIndependent(t *testing.T) {
	runner := &fakeRunner{}
	d := NewDispatcher(context.Background(), runner, &fakeHistory{})

	d.Kick("ALPHA", "tick")
	d.Kick("BETA", "tick")
	d.Wait()

	if got := runner.runs.Load(); got != 2 {
		t.Errorf("expected both projects to run, got %d", got)
	}
}

func TestDispatcherCycleTimeout(t *testing.T) {
	runner := &fakeRunner{
		block:    make(chan struct{}), // never closed: the pass hangs
		honorCtx: true,
	}
	history := &fakeHistory{}
	d := NewDispatcher(context.Background(), runner, history)
	d.SetCycleTimeout(20 * time.Millisecond)

	d.Kick("HVSYN", "tick")
	d.Wait()

	if got := runner.runs.Load(); got != 1 {
		t.Fatalf("expected 1 run, got %d", got)
	}
	// The hung pass was cut off and its run record still closed.
	if len(history.completed) != 1 {
		t.Errorf("timed-out run record not completed: %+v", history.completed)
	}

	// The project's slot is free again.
	runner.block = nil
	d.Kick("HVSYN", "tick")
	d.Wait()
	if got := runner.runs.Load(); got != 2 {
		t.Errorf("timed-out project must accept new kicks, got %d runs", got)
	}
}

func TestDispatcherStopsOnCancel(t *testing.T) {
	runner := &fakeRunner{
		block:   make(chan struct{}),
		entered: make(chan string, 10),
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(ctx, runner, &fakeHistory{})

	d.Kick("HVSYN", "tick")
	<-runner.entered
	d.Kick("HVSYN", "webhook") // rerun flagged

	cancel() // shutdown: the flagged rerun must not start
	close(runner.block)
	d.Wait()

	if got := runner.runs.Load(); got != 1 {
		t.Errorf("cancelled dispatcher ran a flagged rerun: %d runs", got)
	}
	// A kick after cancel must not execute the pass body.
	before := runner.runs.Load()
	d.Kick("HVSYN", "late")
	d.Wait()
	waitFor(t, func() bool { return runner.runs.Load() == before })
}
