package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/debugapi"
	"github.com/user/chatbot/internal/scheduler"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/types"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep the client running in the background",
	Long: `Keep the client running in the background: the conversation list is
synced on a schedule, replies that finish are announced on the configured
notification sinks, and the debug API (when enabled) can inspect state and
send messages.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a := mustApp(false)
	defer a.Close()
	cfg := a.cfg

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.svc.Refresh(ctx); err != nil {
		slog.Warn("initial sync failed", "error", err)
	}
	if cfg.Prefetch > 0 {
		go func() {
			if err := a.svc.Prefetch(ctx, cfg.Prefetch); err != nil {
				slog.Warn("prefetch failed", "error", err)
			}
		}()
	}

	sched := scheduler.New(nil)
	if err := sched.Add(scheduler.Job{
		Name:     "sync",
		Schedule: cfg.Sync.Schedule,
		Timeout:  30 * time.Second,
		Run:      a.svc.Refresh,
	}); err != nil {
		return err
	}
	if err := sched.Add(scheduler.Job{
		Name:     "snapshot",
		Schedule: "@every 1m",
		Run: func(context.Context) error {
			return a.svc.Convs().SaveSnapshot(cfg.SnapshotPath())
		},
	}); err != nil {
		return err
	}
	prompts, err := schedulePrompts(sched, a.svc, state.NewPromptStore(cfg.PromptsPath()))
	if err != nil {
		slog.Warn("scheduled prompts unavailable", "error", err)
	}
	sched.Start()
	defer sched.Stop()

	if cfg.HTTP.Enabled {
		var journal types.Journal
		if a.journal != nil {
			journal = a.journal
		}
		srv := debugapi.NewServer(a.svc, debugapi.Options{
			Journal:  journal,
			Metrics:  a.metrics.Handler(),
			Renderer: a.renderer,
		})
		httpServer := &http.Server{
			Addr:              cfg.HTTP.Listen,
			Handler:           srv,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("debug api started", "listen", cfg.HTTP.Listen)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("debug api error", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			httpServer.Shutdown(shutdownCtx)
		}()
	}

	slog.Info("chatbot started",
		"base_url", cfg.BaseURL,
		"data_dir", cfg.DataDir,
		"sync", cfg.Sync.Schedule,
		"jobs", sched.Len(),
		"prompts", prompts,
		"notify", a.hub.Sinks(),
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		sig := <-sigChan
		if sig == syscall.SIGHUP {
			slog.Info("received SIGHUP, restarting")
			if err := reexec(a, pidPath); err != nil {
				slog.Error("restart failed", "error", err)
				if _, werr := writePIDFile(cfg.DataDir); werr != nil {
					slog.Error("failed to re-write PID file", "error", werr)
				}
			}
			continue
		}
		slog.Info("shutting down", "signal", sig)
		return nil
	}
}

// reexec replaces the process with a fresh copy of itself. Only returns on
// failure.
func reexec(a *app, pidPath string) error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("get executable path: %w", err)
	}
	if err := a.svc.Convs().SaveSnapshot(a.cfg.SnapshotPath()); err != nil {
		slog.Warn("save conversation snapshot failed", "error", err)
	}
	os.Remove(pidPath)
	return syscall.Exec(execPath, os.Args, os.Environ())
}
