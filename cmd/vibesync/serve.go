package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hulylabs/vibesync/internal/debug"
	"github.com/hulylabs/vibesync/internal/reconcile"
	"github.com/hulylabs/vibesync/internal/syncer"
	"github.com/hulylabs/vibesync/internal/telemetry"
	"github.com/hulylabs/vibesync/internal/trigger"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync daemon",
	Long: `Starts the long-lived sync engine: scheduler ticks, the PM webhook
and health endpoints, the repository file watcher, and the periodic
reconciler. SIGINT/SIGTERM drain in-flight syncs before exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	action, err := reconcile.ParseAction(cfg.ReconcileAction)
	if err != nil {
		return exitWith(1, err)
	}

	logDir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return exitWith(1, fmt.Errorf("failed to create log directory: %w", err))
	}
	logCloser := debug.InitFileLog(logDir)
	defer func() { _ = logCloser.Close() }()
	debug.SetEventLogDir(logDir)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "vibesync", Version); err != nil {
		debug.Warnf("telemetry init failed: %v", err)
	}
	defer telemetry.Shutdown(context.Background())

	eng, err := buildEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	projects, err := eng.discoverProjects(ctx)
	if err != nil {
		return exitWith(2, err)
	}
	eng.ensureTrackerRepos(ctx, projects)

	if err := eng.orch.RecoverPendingOps(ctx); err != nil {
		debug.Warnf("pending-op recovery: %v", err)
	}

	dispatcher := trigger.NewDispatcher(ctx, eng.orch, eng.st)
	dispatcher.SetCycleTimeout(cfg.CycleTimeout)
	scheduler := trigger.NewScheduler(eng.st, dispatcher, cfg.SyncInterval)
	reconciler := reconcile.New(eng.st, eng.pm, eng.trackers, action)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = scheduler.Run(ctx)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = reconciler.Run(ctx, reconcile.DefaultInterval)
	}()

	files := syncer.NewFileSync(eng.st)
	watcher, err := trigger.NewWatcher(files, trigger.DefaultDebounce)
	if err != nil {
		debug.Warnf("file watcher disabled: %v", err)
	} else {
		for _, p := range projects {
			if p.FSPath == "" {
				continue
			}
			if err := files.SyncDir(ctx, p.Identifier, p.FSPath); err != nil {
				debug.Warnf("initial file scan for %s: %v", p.Identifier, err)
			}
			if err := watcher.AddProject(p.Identifier, p.FSPath); err != nil {
				debug.Warnf("failed to watch %s: %v", p.Identifier, err)
			}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = watcher.Run(ctx)
		}()
	}

	srv := trigger.NewServer(trigger.ServerConfig{
		Dispatcher: dispatcher,
		APIKey:     cfg.HealthAPIKey,
	})
	serverErr := make(chan error, 1)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HealthPort)
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	debug.Infof("vibesync %s serving %d project(s); interval %s, health on :%d",
		Version, len(projects), cfg.SyncInterval, cfg.HealthPort)

	var fatal error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		fatal = exitWith(2, fmt.Errorf("trigger server failed: %w", err))
		stop()
	}

	debug.Infof("shutting down, draining in-flight syncs")
	dispatcher.Wait()
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		debug.Warnf("server shutdown: %v", err)
	}
	wg.Wait()
	debug.Infof("shutdown complete")
	return fatal
}
