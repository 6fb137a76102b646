package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/types"
	"github.com/user/chatbot/pkg/api"
)

// fakeBackend is an in-memory server. Every OpenStream hands the test a
// fakeStream to write events into.
type fakeBackend struct {
	mu           sync.Mutex
	convs        map[types.ConvID]*types.Conversation
	order        []types.ConvID
	gets         int
	openErr      error
	interruptErr error
	interrupts   []types.ConvID
	uploaded     []string
	uploadErrs   map[string]error
	updates      []types.Conversation
	deleted      []types.ConvID

	opened chan *fakeStream
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		convs:      make(map[types.ConvID]*types.Conversation),
		uploadErrs: make(map[string]error),
		opened:     make(chan *fakeStream, 16),
	}
}

func (b *fakeBackend) addConv(c types.Conversation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.convs[c.ID] = &c
	b.order = append(b.order, c.ID)
}

func (b *fakeBackend) GetConversation(_ context.Context, id types.ConvID) (*types.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gets++
	c, ok := b.convs[id]
	if !ok {
		return nil, &api.Error{Status: 404, Detail: "conversation not found"}
	}
	out := *c
	return &out, nil
}

// ListConversations pages by index; the cursor is the index of the first item.
func (b *fakeBackend) ListConversations(_ context.Context, cursor string, size int) (*types.CursorPage[types.Conversation], error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "%d", &start)
	}
	end := min(start+size, len(b.order))
	page := &types.CursorPage[types.Conversation]{Total: len(b.order)}
	for _, id := range b.order[start:end] {
		c := *b.convs[id]
		c.Messages = nil
		page.Items = append(page.Items, c)
	}
	if end < len(b.order) {
		page.NextPage = fmt.Sprint(end)
	}
	return page, nil
}

func (b *fakeBackend) CreateConversation(_ context.Context, title string) (*types.Conversation, error) {
	c := types.Conversation{ID: types.NewConvID(), Title: title}
	b.addConv(c)
	return &c, nil
}

func (b *fakeBackend) UpdateConversation(_ context.Context, conv *types.Conversation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, *conv)
	return nil
}

func (b *fakeBackend) DeleteConversation(_ context.Context, id types.ConvID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, id)
	delete(b.convs, id)
	return nil
}

func (b *fakeBackend) OpenStream(ctx context.Context, convID types.ConvID, msg *types.Message) (io.ReadCloser, error) {
	b.mu.Lock()
	err := b.openErr
	b.mu.Unlock()
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	context.AfterFunc(ctx, func() { pr.CloseWithError(ctx.Err()) })
	b.opened <- &fakeStream{ConvID: convID, Msg: *msg, w: pw}
	return pr, nil
}

func (b *fakeBackend) UploadFile(_ context.Context, _ types.ConvID, filename string, r io.Reader) (*types.FileMeta, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.uploadErrs[filename]; err != nil {
		return nil, err
	}
	b.uploaded = append(b.uploaded, filename)
	return &types.FileMeta{Filename: filename, URL: "/files/" + filename, Status: types.UploadUploaded}, nil
}

func (b *fakeBackend) Interrupt(_ context.Context, convID types.ConvID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interrupts = append(b.interrupts, convID)
	return b.interruptErr
}

func (b *fakeBackend) getCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gets
}

type fakeStream struct {
	ConvID types.ConvID
	Msg    types.Message
	w      *io.PipeWriter
}

// event writes one data line. Writes after the reader has gone are ignored.
func (s *fakeStream) event(t *testing.T, m types.Message) {
	t.Helper()
	b, err := json.Marshal(m)
	require.NoError(t, err)
	s.raw("data: " + string(b) + "\n")
}

func (s *fakeStream) raw(line string) {
	_, _ = io.WriteString(s.w, line)
}

func (s *fakeStream) done() {
	s.raw("data: [DONE]\n")
	s.w.Close()
}

func (s *fakeStream) fail(err error) {
	s.w.CloseWithError(err)
}

func (b *fakeBackend) nextStream(t *testing.T) *fakeStream {
	t.Helper()
	select {
	case s := <-b.opened:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no stream opened")
		return nil
	}
}

// recorder collects notifications.
type recorder struct {
	mu    sync.Mutex
	notes []types.Notification
}

func (r *recorder) Notify(_ context.Context, n types.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
	return nil
}

func (r *recorder) all() []types.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Notification(nil), r.notes...)
}

type fixture struct {
	svc     *Service
	backend *fakeBackend
	notes   *recorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	b := newFakeBackend()
	rec := &recorder{}
	if opts.Notifier == nil {
		opts.Notifier = rec
	}
	if opts.SendThrottle == 0 {
		opts.SendThrottle = -1
	}
	svc := New(b, state.NewMessageStore(nil), state.NewConvStore(), stream.NewRegistry(nil), opts)
	t.Cleanup(svc.Close)
	return &fixture{svc: svc, backend: b, notes: rec}
}

func chunk(id, parent types.MessageID, typ types.MessageType, content string) types.Message {
	return types.Message{ID: id, ParentID: parent, Type: typ, Content: types.Text(content)}
}
