package notify

import (
	"context"
	"log/slog"

	"github.com/user/chatbot/internal/types"
)

// Log records notifications in the structured log.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

func (l *Log) Send(ctx context.Context, n types.Notification) error {
	level := slog.LevelInfo
	switch n.Level {
	case types.LevelWarn:
		level = slog.LevelWarn
	case types.LevelError:
		level = slog.LevelError
	}
	l.logger.Log(ctx, level, n.Title,
		"detail", n.Detail,
		"conv_id", n.ConvID,
		"background", n.Background)
	return nil
}
