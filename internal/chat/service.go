// Package chat drives conversations: it records outgoing messages, opens
// response streams and folds their events into the client caches, while
// streams of conversations that are not on screen keep running.
package chat

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/user/chatbot/internal/metrics"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/types"
)

// DefaultSendThrottle is the minimum spacing of sends to one conversation.
const DefaultSendThrottle = 200 * time.Millisecond

// Options configures a Service. Zero values select defaults.
type Options struct {
	// Username is stamped as "from" on outgoing messages.
	Username string
	// Model is sent as additional_kwargs.model when set.
	Model string
	// SendThrottle spaces sends per conversation; negative disables it.
	SendThrottle time.Duration
	// MaxConcurrentUploads bounds upload lanes running at once.
	MaxConcurrentUploads int64
	// MaxUploadSize rejects larger files before sending them; 0 is unlimited.
	MaxUploadSize int64
	// PageSize is the conversation list page size.
	PageSize int

	Logger   *slog.Logger
	Notifier types.Notifier
	// Journal, when set, records every send and decoded frame.
	Journal types.Journal
	Metrics *metrics.Metrics
}

// Service is the conversation orchestrator.
type Service struct {
	backend  types.Backend
	messages *state.MessageStore
	convs    *state.ConvStore
	streams  *stream.Registry
	uploads  *Uploads
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	phases   map[types.ConvID]Phase
	limiters map[types.ConvID]*rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

// New wires a Service to its stores. Streams outlive the contexts of the
// calls that start them; they end on completion, Interrupt or Close.
func New(backend types.Backend, messages *state.MessageStore, convs *state.ConvStore, streams *stream.Registry, opts Options) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendThrottle == 0 {
		opts.SendThrottle = DefaultSendThrottle
	}
	if opts.MaxConcurrentUploads <= 0 {
		opts.MaxConcurrentUploads = 2
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 20
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		backend:  backend,
		messages: messages,
		convs:    convs,
		streams:  streams,
		opts:     opts,
		logger:   opts.Logger.With("component", "chat"),
		phases:   make(map[types.ConvID]Phase),
		limiters: make(map[types.ConvID]*rate.Limiter),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	s.uploads = NewUploads(opts.MaxConcurrentUploads)
	s.uploads.SetProcessor(s.processUploads)
	s.uploads.Start(ctx)
	return s
}

func (s *Service) Messages() *state.MessageStore { return s.messages }
func (s *Service) Convs() *state.ConvStore       { return s.convs }
func (s *Service) Streams() *stream.Registry     { return s.streams }

// Phase returns the state of the latest request of convID.
func (s *Service) Phase(convID types.ConvID) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.phases[convID]; ok {
		return p
	}
	return PhaseIdle
}

func (s *Service) setPhase(convID types.ConvID, p Phase) {
	s.mu.Lock()
	s.phases[convID] = p
	s.mu.Unlock()
	s.logger.Debug("phase", "conv_id", convID, "phase", p)
}

// Open makes convID the conversation on screen. Messages are fetched only
// when nothing is cached, so state written by a background stream is kept.
func (s *Service) Open(ctx context.Context, convID types.ConvID) error {
	if convID == "" {
		return ErrNoConversation
	}
	s.View(convID)
	if s.messages.HasMessages(convID) {
		return nil
	}

	conv, err := s.backend.GetConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("open conversation: %w", err)
	}
	if !s.messages.SeedMessages(convID, conv.Messages) {
		s.logger.Debug("kept cached messages over fetched ones", "conv_id", convID)
	}
	return nil
}

// View switches the conversation on screen using the cache only. Streams of
// other conversations are left running.
func (s *Service) View(convID types.ConvID) {
	s.messages.SetActive(convID)
	s.streams.ClearUnreadCompletion(convID)
}

// Send records msg optimistically and streams the assistant's answer. The
// returned message carries the filled-in id, timestamp, author and model.
func (s *Service) Send(_ context.Context, convID types.ConvID, msg types.Message) (types.Message, error) {
	if convID == "" {
		return types.Message{}, ErrNoConversation
	}
	if !s.limiter(convID).Allow() {
		s.opts.Metrics.SendThrottled()
		return types.Message{}, ErrThrottled
	}

	msg = s.outgoing(msg)
	s.messages.UpdateOrAdd(convID, msg)
	s.record(convID, types.EntrySend, &msg, "")
	s.startStream(convID, msg)
	return msg, nil
}

// outgoing fills the fields the server expects on a human message.
func (s *Service) outgoing(msg types.Message) types.Message {
	msg = msg.Clone()
	if msg.ID == "" {
		msg.ID = types.NewMessageID()
	}
	if msg.Type == "" {
		msg.Type = types.MessageHuman
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = types.NewTimestamp(s.now().UTC())
	}
	if msg.From == "" {
		msg.From = s.opts.Username
	}
	if s.opts.Model != "" {
		kwargs := maps.Clone(msg.AdditionalKwargs)
		if kwargs == nil {
			kwargs = make(map[string]any)
		}
		kwargs["model"] = s.opts.Model
		msg.AdditionalKwargs = kwargs
	}
	return msg
}

func (s *Service) limiter(convID types.ConvID) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[convID]
	if !ok {
		limit := rate.Inf
		if s.opts.SendThrottle > 0 {
			limit = rate.Every(s.opts.SendThrottle)
		}
		l = rate.NewLimiter(limit, 1)
		s.limiters[convID] = l
	}
	return l
}

// Interrupt stops the answer in progress. Local state is torn down first;
// the server is then told to stop, and a failure there is only logged.
func (s *Service) Interrupt(ctx context.Context, convID types.ConvID) error {
	if convID == "" {
		return ErrNoConversation
	}
	s.streams.SetAnswering(convID, false)
	s.streams.Remove(convID)
	s.setPhase(convID, PhaseInterrupted)
	s.record(convID, types.EntryInterrupt, nil, "")

	if err := s.backend.Interrupt(ctx, convID); err != nil {
		s.logger.Warn("server interrupt failed", "conv_id", convID, "error", err)
	}
	return nil
}

// Wait blocks until queued uploads and open streams have finished.
func (s *Service) Wait() {
	s.uploads.Wait()
	s.wg.Wait()
}

// Close aborts every stream and upload and waits for their goroutines.
func (s *Service) Close() {
	s.streams.AbortAll()
	s.cancel()
	s.uploads.Stop()
	s.wg.Wait()
}

func (s *Service) notify(n types.Notification) {
	if n.ConvID != "" && s.messages.Active() != n.ConvID {
		n.Background = true
	}
	// Notifications must still go out while the service is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.opts.Notifier.Notify(ctx, n); err != nil {
		s.logger.Warn("notification failed", "title", n.Title, "error", err)
	}
}

func (s *Service) record(convID types.ConvID, kind types.EntryKind, msg *types.Message, detail string) {
	if s.opts.Journal == nil {
		return
	}
	entry := &types.JournalEntry{ConvID: convID, Kind: kind, Detail: detail}
	if msg != nil {
		m := msg.Clone()
		entry.Message = &m
	}
	if err := s.opts.Journal.Append(s.ctx, entry); err != nil {
		s.logger.Warn("journal append failed", "conv_id", convID, "error", err)
	}
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, types.Notification) error { return nil }
