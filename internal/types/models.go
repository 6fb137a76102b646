// internal/types/models.go
package types

import (
	"encoding/json"
	"maps"
	"time"
)

type MessageType string

const (
	MessageHuman     MessageType = "human"
	MessageAI        MessageType = "ai"
	MessageAIChunk   MessageType = "ai-chunk"
	MessageTool      MessageType = "tool"
	MessageToolChunk MessageType = "tool-chunk"
	MessageError     MessageType = "error"
)

// typeAliases maps the class names some backends emit onto the canonical types.
var typeAliases = map[string]MessageType{
	"HumanMessage":     MessageHuman,
	"AIMessage":        MessageAI,
	"ToolMessage":      MessageTool,
	"AIMessageChunk":   MessageAIChunk,
	"ToolMessageChunk": MessageToolChunk,
}

func ParseMessageType(s string) MessageType {
	if t, ok := typeAliases[s]; ok {
		return t
	}
	return MessageType(s)
}

func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = ParseMessageType(s)
	return nil
}

// Kind classifies a message type by how a stream consumer must apply it.
type Kind int

const (
	KindUnknown Kind = iota
	KindTerminal
	KindChunk
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindChunk:
		return "chunk"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

func (t MessageType) Kind() Kind {
	switch t {
	case MessageHuman, MessageAI, MessageTool:
		return KindTerminal
	case MessageAIChunk, MessageToolChunk:
		return KindChunk
	case MessageError:
		return KindError
	default:
		return KindUnknown
	}
}

type UploadStatus string

const (
	UploadUploading UploadStatus = "uploading"
	UploadUploaded  UploadStatus = "uploaded"
)

type FileMeta struct {
	URL      string       `json:"url,omitempty"`
	Filename string       `json:"filename"`
	MimeType string       `json:"mimetype,omitempty"`
	Size     int64        `json:"size,omitempty"`
	Status   UploadStatus `json:"status,omitempty"`
}

type Message struct {
	ID               MessageID       `json:"id"`
	ParentID         MessageID       `json:"parent_id,omitempty"`
	From             string          `json:"from,omitempty"`
	Type             MessageType     `json:"type"`
	Content          Content         `json:"content"`
	Reasoning        string          `json:"reasoning,omitempty"`
	SentAt           Timestamp       `json:"sent_at"`
	AdditionalKwargs map[string]any  `json:"additional_kwargs,omitempty"`
	Attachments      []FileMeta      `json:"attachments,omitempty"`
	Artifacts        []FileMeta      `json:"artifacts,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	out.Content = m.Content.clone()
	if m.AdditionalKwargs != nil {
		out.AdditionalKwargs = maps.Clone(m.AdditionalKwargs)
	}
	if m.Attachments != nil {
		out.Attachments = append([]FileMeta(nil), m.Attachments...)
	}
	if m.Artifacts != nil {
		out.Artifacts = append([]FileMeta(nil), m.Artifacts...)
	}
	if m.ToolCalls != nil {
		out.ToolCalls = append(json.RawMessage(nil), m.ToolCalls...)
	}
	return out
}

// Merge overlays the fields set on in over m. Unset (zero) fields of in keep
// the value from m, except that a terminal message (one whose type is human,
// ai or tool) always replaces content and reasoning, even with empty values.
// A message without a type is a partial update.
func (m Message) Merge(in Message) Message {
	full := in.Type.Kind() == KindTerminal
	out := m.Clone()
	in = in.Clone()
	if in.ID != "" {
		out.ID = in.ID
	}
	if in.ParentID != "" {
		out.ParentID = in.ParentID
	}
	if in.From != "" {
		out.From = in.From
	}
	if in.Type != "" {
		out.Type = in.Type
	}
	if full || !in.Content.IsZero() {
		out.Content = in.Content
	}
	if full || in.Reasoning != "" {
		out.Reasoning = in.Reasoning
	}
	if !in.SentAt.IsZero() {
		out.SentAt = in.SentAt
	}
	if in.AdditionalKwargs != nil {
		out.AdditionalKwargs = in.AdditionalKwargs
	}
	if in.Attachments != nil {
		out.Attachments = in.Attachments
	}
	if in.Artifacts != nil {
		out.Artifacts = in.Artifacts
	}
	if in.ToolCalls != nil {
		out.ToolCalls = in.ToolCalls
	}
	return out
}

// Kwarg returns the string value stored under key in additional_kwargs.
func (m Message) Kwarg(key string) string {
	if m.AdditionalKwargs == nil {
		return ""
	}
	s, _ := m.AdditionalKwargs[key].(string)
	return s
}

// Group is one turn of a conversation: the messages sharing a parent id.
type Group struct {
	ID       MessageID `json:"id"`
	Messages []Message `json:"messages"`
}

func (g Group) Clone() Group {
	out := Group{ID: g.ID, Messages: make([]Message, len(g.Messages))}
	for i, m := range g.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

type Conversation struct {
	ID            ConvID    `json:"id"`
	Title         string    `json:"title"`
	Owner         string    `json:"owner,omitempty"`
	LastMessageAt Timestamp `json:"last_message_at"`
	CreatedAt     Timestamp `json:"created_at"`
	Pinned        bool      `json:"pinned,omitempty"`
	Messages      []Message `json:"messages,omitempty"`
}

// ConvUpdate carries the mutable conversation fields. Nil fields are left
// untouched.
type ConvUpdate struct {
	ID     ConvID  `json:"id"`
	Title  *string `json:"title,omitempty"`
	Pinned *bool   `json:"pinned,omitempty"`
}

type CursorPage[T any] struct {
	Items                []T    `json:"items"`
	Total                int    `json:"total,omitempty"`
	CurrentPage          string `json:"current_page,omitempty"`
	CurrentPageBackwards string `json:"current_page_backwards,omitempty"`
	PreviousPage         string `json:"previous_page,omitempty"`
	NextPage             string `json:"next_page,omitempty"`
}

type Page[T any] struct {
	Items []T `json:"items"`
	Page  int `json:"page"`
	Size  int `json:"size"`
	Total int `json:"total,omitempty"`
	Pages int `json:"pages,omitempty"`
}

type Rating string

const (
	ThumbsUp   Rating = "thumbsUp"
	ThumbsDown Rating = "thumbsDown"
)

type Feedback struct {
	Rating  Rating         `json:"rating,omitempty"`
	Comment string         `json:"comment,omitempty"`
	Score   *float64       `json:"score,omitempty"`
	Labels  map[string]any `json:"labels,omitempty"`
}

type Share struct {
	ID        ShareID   `json:"id,omitempty"`
	Title     string    `json:"title"`
	URL       string    `json:"url"`
	Messages  []Message `json:"messages,omitempty"`
	CreatedAt Timestamp `json:"created_at"`
}

type UserInfo struct {
	UserID   string `json:"userid"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Timestamp is a time.Time that tolerates the timestamp layouts seen on the
// wire, including zone-less ISO strings and null.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

func ParseTimestamp(s string) (Timestamp, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return Timestamp{Time: t}, nil
		}
		lastErr = err
	}
	return Timestamp{}, lastErr
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*t = Timestamp{}
		return nil
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

type EntryKind string

const (
	EntrySend      EntryKind = "send"
	EntryFrame     EntryKind = "frame"
	EntryDone      EntryKind = "done"
	EntryError     EntryKind = "error"
	EntryInterrupt EntryKind = "interrupt"
)

// JournalEntry is one line of a conversation's stream journal.
type JournalEntry struct {
	Seq     int64     `json:"seq"`
	ConvID  ConvID    `json:"conv_id"`
	Kind    EntryKind `json:"kind"`
	At      time.Time `json:"at"`
	Message *Message  `json:"message,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}
