// Package debugapi serves a local read-mostly HTTP view of the client state.
package debugapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/user/chatbot/internal/chat"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/transcript"
	"github.com/user/chatbot/internal/types"
)

// Chat is the conversation service the server inspects and drives.
type Chat interface {
	Convs() *state.ConvStore
	Messages() *state.MessageStore
	Streams() *stream.Registry
	Send(ctx context.Context, convID types.ConvID, msg types.Message) (types.Message, error)
	Interrupt(ctx context.Context, convID types.ConvID) error
}

// Options carries the optional parts of the server. Nil fields disable the
// endpoints that need them.
type Options struct {
	Journal  types.Journal
	Metrics  http.Handler
	Renderer *transcript.Renderer
	Logger   *slog.Logger
}

// Server is a lightweight HTTP handler exposing client state.
type Server struct {
	chat   Chat
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

func NewServer(c Chat, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		chat:   c,
		opts:   opts,
		logger: logger.With("component", "debugapi"),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/conversations", s.handleConversations)
	s.mux.HandleFunc("GET /api/conversations/{id}/messages", s.handleMessages)
	s.mux.HandleFunc("POST /api/conversations/{id}/messages", s.handleSend)
	s.mux.HandleFunc("POST /api/conversations/{id}/interrupt", s.handleInterrupt)
	s.mux.HandleFunc("GET /api/conversations/{id}/journal", s.handleJournal)
	s.mux.HandleFunc("GET /api/conversations/{id}/transcript", s.handleTranscript)
	s.mux.HandleFunc("GET /api/streams", s.handleStreams)
	if opts.Metrics != nil {
		s.mux.Handle("GET /metrics", opts.Metrics)
	}
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":               "ok",
		"open_streams":         s.chat.Streams().Len(),
		"cached_conversations": len(s.chat.Messages().ConvIDs()),
	})
}

type convResponse struct {
	types.Conversation
	Active    bool  `json:"active"`
	Cached    bool  `json:"cached"`
	Answering bool  `json:"answering"`
	Unread    bool  `json:"unread_completion"`
	Journal   int64 `json:"journal_entries,omitempty"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active := s.chat.Messages().Active()
	convs := s.chat.Convs().Convs()

	result := make([]convResponse, 0, len(convs))
	for _, c := range convs {
		resp := convResponse{
			Conversation: c,
			Active:       c.ID == active,
			Cached:       s.chat.Messages().HasMessages(c.ID),
			Answering:    s.chat.Streams().IsAnswering(c.ID),
			Unread:       s.chat.Streams().HasUnreadCompletion(c.ID),
		}
		if s.opts.Journal != nil {
			n, err := s.opts.Journal.Count(ctx, c.ID)
			if err != nil {
				s.logger.Warn("count journal failed", "conv_id", c.ID, "error", err)
			}
			resp.Journal = n
		}
		result = append(result, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":      result,
		"pagination": s.chat.Convs().Pagination(),
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	id := types.ConvID(r.PathValue("id"))
	groups := s.chat.Messages().Groups(id)
	if groups == nil {
		groups = []types.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

// sendRequest is the JSON body for POST /api/conversations/{id}/messages.
type sendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := types.ConvID(r.PathValue("id"))
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	msg, err := s.chat.Send(r.Context(), id, types.Message{Content: types.Text(req.Content)})
	switch {
	case errors.Is(err, chat.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, chat.ErrNoConversation):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.logger.Error("send failed", "conv_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	default:
		writeJSON(w, http.StatusAccepted, msg)
	}
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	id := types.ConvID(r.PathValue("id"))
	if err := s.chat.Interrupt(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	if s.opts.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "journal not enabled")
		return
	}
	id := types.ConvID(r.PathValue("id"))

	limit := 200
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}

	entries, err := s.opts.Journal.Tail(r.Context(), id, limit)
	if err != nil {
		s.logger.Error("tail journal failed", "conv_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []*types.JournalEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	if s.opts.Renderer == nil {
		writeError(w, http.StatusServiceUnavailable, "transcripts not enabled")
		return
	}
	id := types.ConvID(r.PathValue("id"))
	conv, ok := s.chat.Convs().Get(id)
	if !ok {
		conv = types.Conversation{ID: id}
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(s.opts.Renderer.Render(conv, s.chat.Messages().Groups(id))))
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	snap := s.chat.Streams().Snapshot()
	if snap == nil {
		snap = []stream.ConnInfo{}
	}
	writeJSON(w, http.StatusOK, snap)
}
