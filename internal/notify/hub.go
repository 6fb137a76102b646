// Package notify routes user-facing notifications to the terminal, the log
// and optional remote sinks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/user/chatbot/internal/types"
)

// Sink delivers a notification somewhere.
type Sink interface {
	Send(ctx context.Context, n types.Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n types.Notification) error

func (f SinkFunc) Send(ctx context.Context, n types.Notification) error {
	return f(ctx, n)
}

// Filter decides whether a sink receives a notification.
type Filter func(types.Notification) bool

// MinLevel passes notifications at or above level.
func MinLevel(level types.Level) Filter {
	return func(n types.Notification) bool {
		return n.Level.Rank() >= level.Rank()
	}
}

// BackgroundOrError passes errors and anything about a conversation that was
// not on screen.
func BackgroundOrError() Filter {
	return func(n types.Notification) bool {
		return n.Background || n.Level == types.LevelError
	}
}

type route struct {
	sink   Sink
	filter Filter
}

// Hub fans notifications out to named sinks.
type Hub struct {
	mu     sync.RWMutex
	routes map[string]route
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{routes: make(map[string]route)}
}

// Register adds or replaces the sink called name. A nil filter passes all.
func (h *Hub) Register(name string, sink Sink, filter Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.routes[name] = route{sink: sink, filter: filter}
}

func (h *Hub) Unregister(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.routes, name)
}

// Sinks lists registered sink names in order.
func (h *Hub) Sinks() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.routes))
	for name := range h.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Notify sends n to every sink whose filter accepts it. All sinks are tried;
// their failures are joined.
func (h *Hub) Notify(ctx context.Context, n types.Notification) error {
	h.mu.RLock()
	targets := make(map[string]Sink, len(h.routes))
	for name, r := range h.routes {
		if r.filter == nil || r.filter(n) {
			targets[name] = r.sink
		}
	}
	h.mu.RUnlock()

	var errs []error
	for name, sink := range targets {
		if err := sink.Send(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("notify %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

var _ types.Notifier = (*Hub)(nil)
