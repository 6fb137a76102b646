// internal/state/convs.go
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/user/chatbot/internal/types"
)

type Pagination struct {
	Total                int    `json:"total"`
	CurrentPage          string `json:"current_page,omitempty"`
	CurrentPageBackwards string `json:"current_page_backwards,omitempty"`
	PreviousPage         string `json:"previous_page,omitempty"`
	NextPage             string `json:"next_page,omitempty"`
}

// PaginationOf extracts the cursor metadata of a page.
func PaginationOf[T any](page *types.CursorPage[T]) Pagination {
	return Pagination{
		Total:                page.Total,
		CurrentPage:          page.CurrentPage,
		CurrentPageBackwards: page.CurrentPageBackwards,
		PreviousPage:         page.PreviousPage,
		NextPage:             page.NextPage,
	}
}

// ConvStore holds the conversation list shown in navigation: pinned
// conversations first, then the rest by most recent message.
type ConvStore struct {
	mu         sync.RWMutex
	convs      []types.Conversation
	pagination Pagination
	now        func() time.Time
}

func NewConvStore() *ConvStore {
	return &ConvStore{now: time.Now}
}

// SetConvs replaces the list as given; the server already returns it sorted.
func (s *ConvStore) SetConvs(convs []types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = cloneConvs(convs)
}

func (s *ConvStore) Convs() []types.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneConvs(s.convs)
}

func (s *ConvStore) Get(id types.ConvID) (types.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := s.indexOf(id); i >= 0 {
		return s.convs[i], true
	}
	return types.Conversation{}, false
}

// AppendConvs adds a further page to the end of the list, skipping
// conversations already present.
func (s *ConvStore) AppendConvs(convs []types.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range convs {
		if s.indexOf(c.ID) >= 0 {
			continue
		}
		c.Messages = nil
		s.convs = append(s.convs, c)
	}
}

// AddConv inserts conv right after the pinned block, or at the top when every
// conversation is pinned.
func (s *ConvStore) AddConv(conv types.Conversation) {
	conv.Messages = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	at := s.firstUnpinned()
	if at < 0 {
		at = 0
	}
	s.convs = slices.Insert(s.convs, at, conv)
}

// UpdateConv merges the set fields of u into the matching conversation and
// re-sorts the list.
func (s *ConvStore) UpdateConv(u types.ConvUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.convs {
		if s.convs[i].ID != u.ID {
			continue
		}
		if u.Title != nil {
			s.convs[i].Title = *u.Title
		}
		if u.Pinned != nil {
			s.convs[i].Pinned = *u.Pinned
		}
	}
	sortConvs(s.convs)
}

func (s *ConvStore) RemoveConv(id types.ConvID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = slices.DeleteFunc(s.convs, func(c types.Conversation) bool {
		return c.ID == id
	})
}

// MoveTop bumps a conversation after new activity: it is stamped with the
// current time and reinserted at the top when pinned (or when nothing is
// unpinned), otherwise at the head of the unpinned block.
func (s *ConvStore) MoveTop(id types.ConvID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.convs) == 0 || s.convs[0].ID == id {
		return
	}
	idx := s.indexOf(id)
	if idx < 0 {
		return
	}
	firstUnpinned := s.firstUnpinned()
	if idx == firstUnpinned {
		return
	}

	conv := s.convs[idx]
	s.convs = slices.Delete(s.convs, idx, idx+1)
	conv.LastMessageAt = types.NewTimestamp(s.now().UTC())

	at := firstUnpinned
	if firstUnpinned < 0 || conv.Pinned {
		at = 0
	}
	s.convs = slices.Insert(s.convs, at, conv)
}

func (s *ConvStore) SetPagination(p Pagination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pagination = p
}

func (s *ConvStore) Pagination() Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pagination
}

type convSnapshot struct {
	Convs      []types.Conversation `json:"convs"`
	Pagination Pagination           `json:"pagination"`
	SavedAt    time.Time            `json:"saved_at"`
}

// SaveSnapshot writes the list to path atomically.
func (s *ConvStore) SaveSnapshot(path string) error {
	s.mu.RLock()
	snap := convSnapshot{Convs: cloneConvs(s.convs), Pagination: s.pagination, SavedAt: s.now()}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal conversation snapshot: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("save conversation snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot replaces the list with a snapshot written by SaveSnapshot. A
// missing file is not an error and leaves the store untouched.
func (s *ConvStore) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read conversation snapshot: %w", err)
	}
	var snap convSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("unmarshal conversation snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs = snap.Convs
	s.pagination = snap.Pagination
	return nil
}

func (s *ConvStore) indexOf(id types.ConvID) int {
	return slices.IndexFunc(s.convs, func(c types.Conversation) bool { return c.ID == id })
}

func (s *ConvStore) firstUnpinned() int {
	return slices.IndexFunc(s.convs, func(c types.Conversation) bool { return !c.Pinned })
}

func sortConvs(convs []types.Conversation) {
	slices.SortStableFunc(convs, func(a, b types.Conversation) int {
		if a.Pinned != b.Pinned {
			if a.Pinned {
				return -1
			}
			return 1
		}
		return b.LastMessageAt.Compare(a.LastMessageAt.Time)
	})
}

func cloneConvs(convs []types.Conversation) []types.Conversation {
	if convs == nil {
		return nil
	}
	out := make([]types.Conversation, len(convs))
	for i, c := range convs {
		c.Messages = nil
		out[i] = c
	}
	return out
}
