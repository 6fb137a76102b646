package notify

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/user/chatbot/internal/types"
)

// Terminal prints notifications as coloured one-liners.
type Terminal struct {
	mu  sync.Mutex
	out io.Writer
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

var levelColors = map[types.Level]*color.Color{
	types.LevelInfo:    color.New(color.FgCyan),
	types.LevelSuccess: color.New(color.FgGreen),
	types.LevelWarn:    color.New(color.FgYellow),
	types.LevelError:   color.New(color.FgRed, color.Bold),
}

func (t *Terminal) Send(_ context.Context, n types.Notification) error {
	c, ok := levelColors[n.Level]
	if !ok {
		c = levelColors[types.LevelInfo]
	}

	line := c.Sprintf("[%s] %s", n.Level, n.Title)
	if n.ConvID != "" {
		line += color.New(color.Faint).Sprintf(" (%s)", n.ConvID)
	}
	if n.Detail != "" {
		line += ": " + n.Detail
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := fmt.Fprintln(t.out, line)
	return err
}
