package debugapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatbot/internal/chat"
	"github.com/user/chatbot/internal/metrics"
	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/transcript"
	"github.com/user/chatbot/internal/types"
)

type fakeChat struct {
	convs    *state.ConvStore
	messages *state.MessageStore
	streams  *stream.Registry

	sent        []types.Message
	sendErr     error
	interrupted []types.ConvID
}

func newFakeChat() *fakeChat {
	return &fakeChat{
		convs:    state.NewConvStore(),
		messages: state.NewMessageStore(nil),
		streams:  stream.NewRegistry(nil),
	}
}

func (f *fakeChat) Convs() *state.ConvStore       { return f.convs }
func (f *fakeChat) Messages() *state.MessageStore { return f.messages }
func (f *fakeChat) Streams() *stream.Registry     { return f.streams }

func (f *fakeChat) Send(_ context.Context, convID types.ConvID, msg types.Message) (types.Message, error) {
	if f.sendErr != nil {
		return types.Message{}, f.sendErr
	}
	msg.ID = "m1"
	f.sent = append(f.sent, msg)
	f.messages.UpdateOrAdd(convID, msg)
	return msg, nil
}

func (f *fakeChat) Interrupt(_ context.Context, convID types.ConvID) error {
	if convID == "" {
		return chat.ErrNoConversation
	}
	f.interrupted = append(f.interrupted, convID)
	return nil
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	srv := NewServer(newFakeChat(), Options{})
	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, float64(0), resp["open_streams"])
	assert.Equal(t, float64(0), resp["cached_conversations"])
}

func TestHealthCountsCachedConversations(t *testing.T) {
	fc := newFakeChat()
	fc.messages.UpdateOrAdd("a", types.Message{ID: "x", ParentID: "g"})
	fc.messages.UpdateOrAdd("b", types.Message{ID: "y", ParentID: "g"})
	srv := NewServer(fc, Options{})

	w := do(t, srv, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, float64(2), resp["cached_conversations"])
}

func TestConversations(t *testing.T) {
	fc := newFakeChat()
	fc.convs.SetConvs([]types.Conversation{{ID: "a", Title: "A"}, {ID: "b", Title: "B"}})
	fc.messages.SetActive("a")
	fc.messages.UpdateOrAdd("a", types.Message{ID: "x", ParentID: "g"})
	fc.streams.SetAnswering("b", true)
	fc.streams.MarkCompleted("b")

	journal := state.NewFileJournal(t.TempDir())
	require.NoError(t, journal.Append(context.Background(), &types.JournalEntry{ConvID: "a", Kind: types.EntryDone}))

	srv := NewServer(fc, Options{Journal: journal})
	w := do(t, srv, http.MethodGet, "/api/conversations", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Items []convResponse `json:"items"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp.Items, 2)
	assert.True(t, resp.Items[0].Active)
	assert.True(t, resp.Items[0].Cached)
	assert.Equal(t, int64(1), resp.Items[0].Journal)
	assert.True(t, resp.Items[1].Answering)
	assert.True(t, resp.Items[1].Unread)
}

func TestMessages(t *testing.T) {
	fc := newFakeChat()
	fc.messages.UpdateOrAdd("a", types.Message{ID: "x", ParentID: "g", Content: types.Text("hi")})
	srv := NewServer(fc, Options{})

	w := do(t, srv, http.MethodGet, "/api/conversations/a/messages", "")
	require.Equal(t, http.StatusOK, w.Code)
	var groups []types.Group
	require.NoError(t, json.NewDecoder(w.Body).Decode(&groups))
	require.Len(t, groups, 1)
	assert.Equal(t, "hi", groups[0].Messages[0].Content.String())

	w = do(t, srv, http.MethodGet, "/api/conversations/none/messages", "")
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestSend(t *testing.T) {
	fc := newFakeChat()
	srv := NewServer(fc, Options{})

	w := do(t, srv, http.MethodPost, "/api/conversations/a/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, fc.sent, 1)
	assert.Equal(t, "hello", fc.sent[0].Content.String())

	w = do(t, srv, http.MethodPost, "/api/conversations/a/messages", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, srv, http.MethodPost, "/api/conversations/a/messages", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	fc.sendErr = chat.ErrThrottled
	w = do(t, srv, http.MethodPost, "/api/conversations/a/messages", `{"content":"again"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestInterrupt(t *testing.T) {
	fc := newFakeChat()
	srv := NewServer(fc, Options{})
	w := do(t, srv, http.MethodPost, "/api/conversations/a/interrupt", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []types.ConvID{"a"}, fc.interrupted)
}

func TestJournal(t *testing.T) {
	fc := newFakeChat()
	w := do(t, NewServer(fc, Options{}), http.MethodGet, "/api/conversations/a/journal", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	journal := state.NewFileJournal(t.TempDir())
	for i := 0; i < 3; i++ {
		require.NoError(t, journal.Append(context.Background(), &types.JournalEntry{ConvID: "a", Kind: types.EntryFrame}))
	}
	srv := NewServer(fc, Options{Journal: journal})
	w = do(t, srv, http.MethodGet, "/api/conversations/a/journal?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []types.JournalEntry
	require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[1].Seq)
}

func TestTranscript(t *testing.T) {
	fc := newFakeChat()
	fc.convs.SetConvs([]types.Conversation{{ID: "a", Title: "Notes"}})
	fc.messages.UpdateOrAdd("a", types.Message{ID: "x", ParentID: "g", Type: types.MessageAI, Content: types.Text("answer")})
	r, err := transcript.New("gpt-4", 0)
	require.NoError(t, err)

	w := do(t, NewServer(fc, Options{Renderer: r}), http.MethodGet, "/api/conversations/a/transcript", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "# Notes")
	assert.Contains(t, w.Body.String(), "answer")
}

func TestStreamsAndMetrics(t *testing.T) {
	fc := newFakeChat()
	fc.streams.Add("a", nil, nil, nil)
	m := metrics.New()
	m.StreamStarted()
	srv := NewServer(fc, Options{Metrics: m.Handler()})

	w := do(t, srv, http.MethodGet, "/api/streams", "")
	require.Equal(t, http.StatusOK, w.Code)
	var snap []stream.ConnInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&snap))
	require.Len(t, snap, 1)
	assert.True(t, snap[0].Open)

	w = do(t, srv, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "chatbot_streams_started_total")
}
