package stream

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/user/chatbot/internal/types"
)

// Handler applies one decoded event to client state.
type Handler func(types.Message)

// Connection is the in-flight response stream of one conversation.
type Connection struct {
	ConvID    types.ConvID
	StartedAt time.Time

	cancel    context.CancelFunc
	handler   Handler
	cancelled atomic.Bool
	once      sync.Once

	// mu serialises deliveries against cancellation.
	mu     sync.Mutex
	reader io.ReadCloser
}

func newConnection(convID types.ConvID, cancel context.CancelFunc, reader io.ReadCloser, h Handler) *Connection {
	if cancel == nil {
		cancel = func() {}
	}
	return &Connection{
		ConvID:    convID,
		StartedAt: time.Now(),
		cancel:    cancel,
		handler:   h,
		reader:    reader,
	}
}

// IsActive reports whether the connection has not been cancelled.
func (c *Connection) IsActive() bool {
	return !c.cancelled.Load()
}

// Deliver runs fn unless the connection has been cancelled. Cancel waits for
// a running fn, so once Cancel returns no further fn runs. fn must not cancel
// its own connection.
func (c *Connection) Deliver(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled.Load() {
		return false
	}
	fn()
	return true
}

// Dispatch delivers msg to the handler bound when the connection was opened.
func (c *Connection) Dispatch(msg types.Message) bool {
	if c.handler == nil {
		return c.IsActive()
	}
	return c.Deliver(func() { c.handler(msg) })
}

// AttachReader records the response body once the request has been answered.
func (c *Connection) AttachReader(r io.ReadCloser) {
	c.mu.Lock()
	c.reader = r
	c.mu.Unlock()
}

// Reader returns the response body, or nil while the request is pending.
func (c *Connection) Reader() io.ReadCloser {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// Cancel is idempotent. It cancels the request context but leaves the reader
// to the read loop, which closes it on exit.
func (c *Connection) Cancel() {
	c.mu.Lock()
	c.cancelled.Store(true)
	c.mu.Unlock()
	c.once.Do(c.cancel)
}

// ConnInfo is a point-in-time view of one conversation's stream state.
type ConnInfo struct {
	ConvID    types.ConvID `json:"conv_id"`
	Open      bool         `json:"open"`
	Connected bool         `json:"connected"`
	Answering bool         `json:"answering"`
	Unread    bool         `json:"unread_completion"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
}

// Registry keeps at most one Connection per conversation along with the
// per-conversation answering and unread-completion flags.
type Registry struct {
	mu        sync.Mutex
	conns     map[types.ConvID]*Connection
	answering map[types.ConvID]bool
	unread    map[types.ConvID]bool
	logger    *slog.Logger
}

// NewRegistry creates an empty registry. Pass nil logger for default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:     make(map[types.ConvID]*Connection),
		answering: make(map[types.ConvID]bool),
		unread:    make(map[types.ConvID]bool),
		logger:    logger.With("component", "streams"),
	}
}

// Add registers a new connection for convID. Any previous connection for the
// same conversation is cancelled before Add returns, and answering is reset
// to false; callers set it again afterwards.
func (r *Registry) Add(convID types.ConvID, cancel context.CancelFunc, reader io.ReadCloser, h Handler) *Connection {
	conn := newConnection(convID, cancel, reader, h)

	r.mu.Lock()
	old := r.conns[convID]
	r.conns[convID] = conn
	r.answering[convID] = false
	r.mu.Unlock()

	if old != nil {
		old.Cancel()
		r.logger.Debug("superseded stream", "conv_id", convID)
	}
	return conn
}

// Remove cancels and unregisters the connection of convID, if any, and sets
// answering to false.
func (r *Registry) Remove(convID types.ConvID) {
	r.mu.Lock()
	conn := r.conns[convID]
	delete(r.conns, convID)
	r.answering[convID] = false
	r.mu.Unlock()

	if conn != nil {
		conn.Cancel()
	}
}

// Finish unregisters conn if it is still the connection of its conversation
// and reports whether it was. A superseded connection leaves the registry
// untouched. conn is cancelled either way to release its context.
func (r *Registry) Finish(conn *Connection) bool {
	r.mu.Lock()
	current := r.conns[conn.ConvID] == conn
	if current {
		delete(r.conns, conn.ConvID)
		r.answering[conn.ConvID] = false
	}
	r.mu.Unlock()

	conn.Cancel()
	return current
}

func (r *Registry) Get(convID types.ConvID) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[convID]
	return conn, ok
}

func (r *Registry) SetAnswering(convID types.ConvID, answering bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.answering[convID] = answering
}

func (r *Registry) IsAnswering(convID types.ConvID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.answering[convID]
}

// MarkCompleted flags a stream that finished while its conversation was not
// being viewed.
func (r *Registry) MarkCompleted(convID types.ConvID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unread[convID] = true
}

func (r *Registry) ClearUnreadCompletion(convID types.ConvID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.unread, convID)
}

func (r *Registry) HasUnreadCompletion(convID types.ConvID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unread[convID]
}

// AbortAll cancels every open connection and clears the answering flags.
func (r *Registry) AbortAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[types.ConvID]*Connection)
	r.answering = make(map[types.ConvID]bool)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Cancel()
	}
	if len(conns) > 0 {
		r.logger.Info("aborted open streams", "count", len(conns))
	}
}

// Len returns the number of open connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Snapshot lists every conversation with an open stream or a set flag.
func (r *Registry) Snapshot() []ConnInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[types.ConvID]*ConnInfo)
	get := func(id types.ConvID) *ConnInfo {
		if info, ok := seen[id]; ok {
			return info
		}
		info := &ConnInfo{ConvID: id}
		seen[id] = info
		return info
	}
	for id, conn := range r.conns {
		info := get(id)
		info.Open = true
		info.Connected = conn.Reader() != nil
		started := conn.StartedAt
		info.StartedAt = &started
	}
	for id, v := range r.answering {
		if v {
			get(id).Answering = true
		}
	}
	for id := range r.unread {
		get(id).Unread = true
	}

	out := make([]ConnInfo, 0, len(seen))
	for _, info := range seen {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConvID < out[j].ConvID })
	return out
}
