package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/user/chatbot/internal/types"
)

// ScheduledPrompt is a message sent to a conversation on a cron schedule,
// e.g. a morning summary request.
type ScheduledPrompt struct {
	Name     string       `json:"name"`
	ConvID   types.ConvID `json:"conv_id"`
	Prompt   string       `json:"prompt"`
	Schedule string       `json:"schedule"`
	Enabled  bool         `json:"enabled"`
	LastRun  time.Time    `json:"last_run,omitzero"`
	LastErr  string       `json:"last_error,omitempty"`
}

var (
	ErrPromptNotFound = errors.New("scheduled prompt not found")
	ErrPromptExists   = errors.New("scheduled prompt already exists")
)

// PromptStore keeps scheduled prompts in a single JSON file. Every call
// reads the file, so edits made by another process are picked up.
type PromptStore struct {
	path string
	mu   sync.Mutex
}

func NewPromptStore(path string) *PromptStore {
	return &PromptStore{path: path}
}

func (s *PromptStore) Path() string { return s.path }

// List returns the prompts in the order they were added.
func (s *PromptStore) List() ([]ScheduledPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts, err := s.load()
	if err != nil {
		return nil, err
	}
	if prompts == nil {
		prompts = []ScheduledPrompt{}
	}
	return prompts, nil
}

func (s *PromptStore) Get(name string) (ScheduledPrompt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts, err := s.load()
	if err != nil {
		return ScheduledPrompt{}, err
	}
	i := indexPrompt(prompts, name)
	if i < 0 {
		return ScheduledPrompt{}, fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	return prompts[i], nil
}

func (s *PromptStore) Add(p ScheduledPrompt) error {
	if p.Name == "" {
		return errors.New("scheduled prompt needs a name")
	}
	if p.ConvID == "" {
		return errors.New("scheduled prompt needs a conversation")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts, err := s.load()
	if err != nil {
		return err
	}
	if indexPrompt(prompts, p.Name) >= 0 {
		return fmt.Errorf("%w: %s", ErrPromptExists, p.Name)
	}
	return s.save(append(prompts, p))
}

func (s *PromptStore) Remove(name string) error {
	return s.update(name, func(prompts []ScheduledPrompt, i int) []ScheduledPrompt {
		return slices.Delete(prompts, i, i+1)
	})
}

func (s *PromptStore) SetEnabled(name string, enabled bool) error {
	return s.update(name, func(prompts []ScheduledPrompt, i int) []ScheduledPrompt {
		prompts[i].Enabled = enabled
		return prompts
	})
}

// RecordRun stores the outcome of the latest run of name.
func (s *PromptStore) RecordRun(name string, at time.Time, runErr error) error {
	return s.update(name, func(prompts []ScheduledPrompt, i int) []ScheduledPrompt {
		prompts[i].LastRun = at
		prompts[i].LastErr = ""
		if runErr != nil {
			prompts[i].LastErr = runErr.Error()
		}
		return prompts
	})
}

func (s *PromptStore) update(name string, fn func([]ScheduledPrompt, int) []ScheduledPrompt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prompts, err := s.load()
	if err != nil {
		return err
	}
	i := indexPrompt(prompts, name)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrPromptNotFound, name)
	}
	return s.save(fn(prompts, i))
}

func (s *PromptStore) load() ([]ScheduledPrompt, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	var prompts []ScheduledPrompt
	if err := json.Unmarshal(data, &prompts); err != nil {
		return nil, fmt.Errorf("unmarshal prompts: %w", err)
	}
	return prompts, nil
}

func (s *PromptStore) save(prompts []ScheduledPrompt) error {
	data, err := json.MarshalIndent(prompts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

func indexPrompt(prompts []ScheduledPrompt, name string) int {
	return slices.IndexFunc(prompts, func(p ScheduledPrompt) bool { return p.Name == name })
}

// writeFileAtomic writes data to a temp file next to path and renames it
// into place.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
