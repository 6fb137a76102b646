// internal/state/messages.go
package state

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/user/chatbot/internal/types"
)

// ErrGroupNotFound is returned by DeleteMessage when no group matches.
var ErrGroupNotFound = errors.New("message group not found")

const changeBufferSize = 64

// Change reports that the cached thread of a conversation was modified.
type Change struct {
	ConvID types.ConvID
}

// MessageStore caches the grouped message thread of every conversation the
// client has seen. Caches of different conversations are independent; the
// active conversation is only a view selector and never evicts anything.
type MessageStore struct {
	mu     sync.RWMutex
	convs  map[types.ConvID][]types.Group
	active types.ConvID

	subsMu sync.Mutex
	subs   map[chan Change]struct{}

	logger *slog.Logger
}

// NewMessageStore creates an empty store. Pass nil logger for default.
func NewMessageStore(logger *slog.Logger) *MessageStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MessageStore{
		convs:  make(map[types.ConvID][]types.Group),
		subs:   make(map[chan Change]struct{}),
		logger: logger.With("component", "messages"),
	}
}

// SetMessages replaces the cached thread of convID with the grouping of msgs.
func (s *MessageStore) SetMessages(convID types.ConvID, msgs []types.Message) {
	groups := GroupMessages(msgs)
	s.mu.Lock()
	s.convs[convID] = groups
	s.mu.Unlock()
	s.publish(convID)
}

// SeedMessages is SetMessages guarded by HasMessages: it only fills an empty
// cache, so a fetch that completes after a stream has started writing never
// replaces the streamed state. It reports whether the cache was filled.
func (s *MessageStore) SeedMessages(convID types.ConvID, msgs []types.Message) bool {
	groups := GroupMessages(msgs)
	s.mu.Lock()
	if len(s.convs[convID]) > 0 {
		s.mu.Unlock()
		return false
	}
	s.convs[convID] = groups
	s.mu.Unlock()
	s.publish(convID)
	return true
}

// HasMessages reports whether a non-empty cache exists for convID.
func (s *MessageStore) HasMessages(convID types.ConvID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.convs[convID]) > 0
}

// UpdateOrAdd merges msg into the message with the same id in its group,
// incoming fields winning, or appends it when absent.
func (s *MessageStore) UpdateOrAdd(convID types.ConvID, msg types.Message) {
	s.upsert(convID, msg, func(existing, in types.Message) types.Message {
		return existing.Merge(in)
	})
}

// AppendOrAdd is UpdateOrAdd with accumulate semantics: content and reasoning
// of an existing message are concatenated with the incoming values.
func (s *MessageStore) AppendOrAdd(convID types.ConvID, msg types.Message) {
	s.upsert(convID, msg, func(existing, in types.Message) types.Message {
		out := existing.Merge(in)
		out.Content = existing.Content.Concat(in.Content)
		out.Reasoning = existing.Reasoning + in.Reasoning
		return out
	})
}

func (s *MessageStore) upsert(convID types.ConvID, msg types.Message, merge func(existing, in types.Message) types.Message) {
	msg = msg.Clone()

	s.mu.Lock()
	groups := s.convs[convID]
	switch {
	case msg.ParentID == "":
		// Parent-less messages never share a group.
		id := types.NewGroupID()
		msg.ParentID = id
		groups = append(groups, types.Group{ID: id, Messages: []types.Message{msg}})
	default:
		gi := lastGroup(groups, msg.ParentID)
		if gi < 0 {
			groups = append(groups, types.Group{ID: msg.ParentID, Messages: []types.Message{msg}})
			break
		}
		g := groups[gi]
		mi := lastMessage(g.Messages, msg.ID)
		if mi < 0 {
			g.Messages = append(g.Messages, msg)
		} else {
			g.Messages[mi] = merge(g.Messages[mi], msg)
		}
		groups[gi] = g
	}
	s.convs[convID] = groups
	s.mu.Unlock()

	s.publish(convID)
}

// DeleteMessage removes the message id from the group parentID, or from the
// group keyed by id when parentID is empty. A group left empty is dropped.
func (s *MessageStore) DeleteMessage(convID types.ConvID, parentID, id types.MessageID) error {
	key := parentID
	if key == "" {
		key = id
	}

	s.mu.Lock()
	groups := s.convs[convID]
	gi := lastGroup(groups, key)
	if gi < 0 {
		s.mu.Unlock()
		s.logger.Warn("ignoring unexpected message delete",
			"conv_id", convID, "parent_id", parentID, "id", id)
		return ErrGroupNotFound
	}

	kept := make([]types.Message, 0, len(groups[gi].Messages))
	for _, m := range groups[gi].Messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		groups = append(groups[:gi:gi], groups[gi+1:]...)
	} else {
		groups[gi].Messages = kept
	}
	s.convs[convID] = groups
	s.mu.Unlock()

	s.publish(convID)
	return nil
}

// SetActive selects the conversation mirrored by Messages.
func (s *MessageStore) SetActive(convID types.ConvID) {
	s.mu.Lock()
	s.active = convID
	s.mu.Unlock()
	s.publish(convID)
}

func (s *MessageStore) Active() types.ConvID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Messages returns a copy of the active conversation's thread.
func (s *MessageStore) Messages() []types.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneGroups(s.convs[s.active])
}

// Groups returns a copy of the cached thread of convID.
func (s *MessageStore) Groups(convID types.ConvID) []types.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneGroups(s.convs[convID])
}

// Message returns the last cached message with the given id.
func (s *MessageStore) Message(convID types.ConvID, id types.MessageID) (types.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	groups := s.convs[convID]
	for gi := len(groups) - 1; gi >= 0; gi-- {
		if mi := lastMessage(groups[gi].Messages, id); mi >= 0 {
			return groups[gi].Messages[mi].Clone(), true
		}
	}
	return types.Message{}, false
}

// Clear drops the cache of convID.
func (s *MessageStore) Clear(convID types.ConvID) {
	s.mu.Lock()
	delete(s.convs, convID)
	s.mu.Unlock()
	s.publish(convID)
}

// ConvIDs lists the conversations with a cache entry.
func (s *MessageStore) ConvIDs() []types.ConvID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]types.ConvID, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe returns a feed of changes. Delivery is best effort: changes are
// dropped for a subscriber whose buffer is full. The channel is closed once
// ctx is done.
func (s *MessageStore) Subscribe(ctx context.Context) <-chan Change {
	ch := make(chan Change, changeBufferSize)
	s.subsMu.Lock()
	s.subs[ch] = struct{}{}
	s.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		s.subsMu.Lock()
		delete(s.subs, ch)
		close(ch)
		s.subsMu.Unlock()
	}()
	return ch
}

func (s *MessageStore) publish(convID types.ConvID) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- Change{ConvID: convID}:
		default:
			s.logger.Debug("dropped change for slow subscriber", "conv_id", convID)
		}
	}
}

func lastGroup(groups []types.Group, id types.MessageID) int {
	for i := len(groups) - 1; i >= 0; i-- {
		if groups[i].ID == id {
			return i
		}
	}
	return -1
}

func lastMessage(msgs []types.Message, id types.MessageID) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func cloneGroups(groups []types.Group) []types.Group {
	if groups == nil {
		return nil
	}
	out := make([]types.Group, len(groups))
	for i, g := range groups {
		out[i] = g.Clone()
	}
	return out
}
