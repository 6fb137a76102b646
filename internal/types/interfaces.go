// internal/types/interfaces.go
package types

import (
	"context"
	"io"
)

// Backend is the slice of the chat server API the conversation service needs.
type Backend interface {
	GetConversation(ctx context.Context, id ConvID) (*Conversation, error)
	ListConversations(ctx context.Context, cursor string, size int) (*CursorPage[Conversation], error)
	CreateConversation(ctx context.Context, title string) (*Conversation, error)
	UpdateConversation(ctx context.Context, conv *Conversation) error
	DeleteConversation(ctx context.Context, id ConvID) error
	OpenStream(ctx context.Context, convID ConvID, msg *Message) (io.ReadCloser, error)
	UploadFile(ctx context.Context, convID ConvID, filename string, r io.Reader) (*FileMeta, error)
	Interrupt(ctx context.Context, convID ConvID) error
}

// Notifier surfaces user-facing notices.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
)

type Notification struct {
	Level  Level  `json:"level"`
	Title  string `json:"title"`
	Detail string `json:"detail,omitempty"`
	ConvID ConvID `json:"conv_id,omitempty"`
	// Background is set when the conversation was not being viewed.
	Background bool `json:"background,omitempty"`
}

// Rank orders levels from least to most severe.
func (l Level) Rank() int {
	switch l {
	case LevelSuccess:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 0
	}
}

// Journal records stream traffic per conversation.
type Journal interface {
	Append(ctx context.Context, entry *JournalEntry) error
	Tail(ctx context.Context, convID ConvID, limit int) ([]*JournalEntry, error)
	Count(ctx context.Context, convID ConvID) (int64, error)
}
