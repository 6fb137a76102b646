// internal/state/journal.go
package state

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/chatbot/internal/types"
)

// maxEntrySize bounds a single journal line; long assistant replies are
// journalled as one terminal message.
const maxEntrySize = 4 << 20

// FileJournal is a JSONL-backed append-only journal of stream traffic.
// Entries are stored per conversation in journal/<convID>.jsonl.
type FileJournal struct {
	root  string
	mu    sync.Mutex
	locks map[types.ConvID]*sync.Mutex
	seqs  map[types.ConvID]int64
}

// NewFileJournal creates a journal rooted at the given data directory.
func NewFileJournal(root string) *FileJournal {
	return &FileJournal{
		root:  root,
		locks: make(map[types.ConvID]*sync.Mutex),
		seqs:  make(map[types.ConvID]int64),
	}
}

// getLock returns the per-conversation mutex, creating one if it doesn't exist.
func (j *FileJournal) getLock(convID types.ConvID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[convID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[convID] = lock
	return lock
}

func (j *FileJournal) path(convID types.ConvID) string {
	return filepath.Join(j.root, "journal", string(convID)+".jsonl")
}

// scan calls fn for every entry on disk. Caller must hold the conversation lock.
func (j *FileJournal) scan(convID types.ConvID, fn func(*types.JournalEntry)) error {
	f, err := os.Open(j.path(convID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxEntrySize)
	for scanner.Scan() {
		var entry types.JournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return fmt.Errorf("unmarshal journal entry: %w", err)
		}
		fn(&entry)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal: %w", err)
	}
	return nil
}

// count returns the number of entries on disk. Caller must hold the conversation lock.
func (j *FileJournal) count(convID types.ConvID) (int64, error) {
	j.mu.Lock()
	seq, ok := j.seqs[convID]
	j.mu.Unlock()
	if ok {
		return seq, nil
	}

	var n int64
	if err := j.scan(convID, func(*types.JournalEntry) { n++ }); err != nil {
		return 0, err
	}
	j.mu.Lock()
	j.seqs[convID] = n
	j.mu.Unlock()
	return n, nil
}

// Append adds an entry with the next sequence number of its conversation.
func (j *FileJournal) Append(_ context.Context, entry *types.JournalEntry) error {
	lock := j.getLock(entry.ConvID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path(entry.ConvID)), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	existing, err := j.count(entry.ConvID)
	if err != nil {
		return err
	}
	entry.Seq = existing + 1
	if entry.At.IsZero() {
		entry.At = time.Now()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	f, err := os.OpenFile(j.path(entry.ConvID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}

	j.mu.Lock()
	j.seqs[entry.ConvID] = entry.Seq
	j.mu.Unlock()
	return nil
}

// Tail returns the last limit entries of a conversation; limit <= 0 returns all.
func (j *FileJournal) Tail(_ context.Context, convID types.ConvID, limit int) ([]*types.JournalEntry, error) {
	lock := j.getLock(convID)
	lock.Lock()
	defer lock.Unlock()

	var entries []*types.JournalEntry
	if err := j.scan(convID, func(e *types.JournalEntry) { entries = append(entries, e) }); err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// Count returns the number of entries for the given conversation.
func (j *FileJournal) Count(_ context.Context, convID types.ConvID) (int64, error) {
	lock := j.getLock(convID)
	lock.Lock()
	defer lock.Unlock()

	return j.count(convID)
}

// Replay rebuilds a conversation thread from journal entries by applying them
// to a scratch store the same way the live stream consumer does.
func Replay(entries []*types.JournalEntry) []types.Group {
	const conv = types.ConvID("replay")
	store := NewMessageStore(nil)
	for _, e := range entries {
		if e.Message == nil {
			continue
		}
		switch e.Kind {
		case types.EntrySend:
			store.UpdateOrAdd(conv, *e.Message)
		case types.EntryFrame:
			switch e.Message.Type.Kind() {
			case types.KindTerminal:
				store.UpdateOrAdd(conv, *e.Message)
			case types.KindChunk:
				store.AppendOrAdd(conv, *e.Message)
			}
		}
	}
	return store.Groups(conv)
}
