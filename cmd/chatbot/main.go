package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/user/chatbot/internal/chat"
	"github.com/user/chatbot/internal/config"
	"github.com/user/chatbot/internal/metrics"
	"github.com/user/chatbot/internal/notify"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/transcript"
	"github.com/user/chatbot/internal/types"
	"github.com/user/chatbot/pkg/api"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "chatbot",
	Short:         "Terminal client for the chat assistant",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config",
		filepath.Join(os.Getenv("HOME"), ".chatbot", "config.json"), "config file path (.json or .yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

func loadConfig() *config.Config {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func setupLogging(cfg *config.Config) {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newClient(cfg *config.Config) *api.Client {
	return api.New(api.Config{
		BaseURL: cfg.BaseURL,
		Token:   cfg.Token,
		Cookie:  cfg.Cookie,
	})
}

// app is the wired client: backend, stores and the conversation service.
type app struct {
	cfg      *config.Config
	client   *api.Client
	svc      *chat.Service
	hub      *notify.Hub
	journal  *state.FileJournal
	metrics  *metrics.Metrics
	renderer *transcript.Renderer
}

// newApp builds the client. The conversation list snapshot, when present,
// is loaded for a first paint before any request is made.
func newApp(cfg *config.Config, interactive bool) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	throttle, err := cfg.Throttle()
	if err != nil {
		return nil, err
	}
	uploadLimit, err := cfg.UploadLimit()
	if err != nil {
		return nil, err
	}
	renderer, err := transcript.New(cfg.Transcript.Model, cfg.Transcript.MaxTokens)
	if err != nil {
		return nil, fmt.Errorf("create renderer: %w", err)
	}

	a := &app{
		cfg:      cfg,
		client:   newClient(cfg),
		hub:      notify.NewHub(),
		metrics:  metrics.New(),
		renderer: renderer,
	}

	a.hub.Register("log", notify.NewLog(nil), nil)
	if interactive {
		a.hub.Register("terminal", notify.NewTerminal(os.Stdout), nil)
	}
	if cfg.Notify.Telegram.Token != "" && cfg.Notify.Telegram.ChatID != 0 {
		tg, err := notify.NewTelegram(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatID)
		if err != nil {
			slog.Warn("telegram notifications disabled", "error", err)
		} else {
			a.hub.Register("telegram", tg, notify.BackgroundOrError())
		}
	}

	var journal types.Journal
	if cfg.Journal.Enabled {
		a.journal = state.NewFileJournal(cfg.JournalDir())
		journal = a.journal
	}

	convs := state.NewConvStore()
	if err := convs.LoadSnapshot(cfg.SnapshotPath()); err != nil {
		slog.Warn("ignoring conversation snapshot", "error", err)
	}

	a.svc = chat.New(a.client, state.NewMessageStore(nil), convs, stream.NewRegistry(nil), chat.Options{
		Username:             cfg.Username,
		Model:                cfg.Model,
		SendThrottle:         throttle,
		MaxConcurrentUploads: int64(cfg.MaxConcurrentUploads),
		MaxUploadSize:        uploadLimit,
		PageSize:             cfg.PageSize,
		Notifier:             a.hub,
		Journal:              journal,
		Metrics:              a.metrics,
	})
	return a, nil
}

// Close stops the service and saves the conversation list snapshot.
func (a *app) Close() {
	a.svc.Close()
	if len(a.svc.Convs().Convs()) == 0 {
		return
	}
	if err := a.svc.Convs().SaveSnapshot(a.cfg.SnapshotPath()); err != nil {
		slog.Warn("save conversation snapshot failed", "error", err)
	}
}

// mustApp loads config, logging and the app, exiting on failure.
func mustApp(interactive bool) *app {
	cfg := loadConfig()
	setupLogging(cfg)
	a, err := newApp(cfg, interactive)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}
	return a
}
