package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/user/chatbot/internal/types"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()

	var all, errorsOnly int
	hub.Register("all", SinkFunc(func(context.Context, types.Notification) error {
		all++
		return nil
	}), nil)
	hub.Register("errors", SinkFunc(func(context.Context, types.Notification) error {
		errorsOnly++
		return nil
	}), MinLevel(types.LevelError))

	ctx := context.Background()
	if err := hub.Notify(ctx, types.Notification{Level: types.LevelInfo, Title: "hi"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := hub.Notify(ctx, types.Notification{Level: types.LevelError, Title: "boom"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if all != 2 {
		t.Errorf("expected 2 deliveries to 'all', got %d", all)
	}
	if errorsOnly != 1 {
		t.Errorf("expected 1 delivery to 'errors', got %d", errorsOnly)
	}
}

func TestHubJoinsSinkErrors(t *testing.T) {
	hub := NewHub()
	failure := errors.New("offline")
	hub.Register("broken", SinkFunc(func(context.Context, types.Notification) error { return failure }), nil)
	delivered := false
	hub.Register("ok", SinkFunc(func(context.Context, types.Notification) error {
		delivered = true
		return nil
	}), nil)

	err := hub.Notify(context.Background(), types.Notification{Title: "x"})
	if !errors.Is(err, failure) {
		t.Fatalf("expected joined sink error, got %v", err)
	}
	if !delivered {
		t.Error("a failing sink must not stop the others")
	}
}

func TestBackgroundOrError(t *testing.T) {
	f := BackgroundOrError()
	if f(types.Notification{Level: types.LevelSuccess}) {
		t.Error("foreground success should be filtered")
	}
	if !f(types.Notification{Level: types.LevelSuccess, Background: true}) {
		t.Error("background success should pass")
	}
	if !f(types.Notification{Level: types.LevelError}) {
		t.Error("errors should pass")
	}
}

func TestTerminalSink(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	term := NewTerminal(&buf)

	err := term.Send(context.Background(), types.Notification{
		Level: types.LevelError, Title: "Send failed", Detail: "try again", ConvID: "c1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.TrimSpace(buf.String()); got != "[error] Send failed (c1): try again" {
		t.Errorf("unexpected line %q", got)
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLog(slog.New(slog.NewTextHandler(&buf, nil)))
	sink.Send(context.Background(), types.Notification{Level: types.LevelWarn, Title: "slow", ConvID: "c9"})

	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "conv_id=c9") {
		t.Errorf("unexpected log output %q", out)
	}
}
