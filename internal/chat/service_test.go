package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatbot/internal/state"
	"github.com/user/chatbot/internal/types"
	"github.com/user/chatbot/pkg/api"
)

const c1 = types.ConvID("c1")

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestSendStreamsReplyIntoGroups(t *testing.T) {
	f := newFixture(t, Options{Username: "alice", Model: "gpt-x"})
	f.svc.View(c1)

	sent, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1", Content: types.Text("hi")})
	require.NoError(t, err)
	assert.Equal(t, "alice", sent.From)
	assert.Equal(t, types.MessageHuman, sent.Type)
	assert.Equal(t, "gpt-x", sent.Kwarg("model"))
	assert.False(t, sent.SentAt.IsZero())

	s := f.backend.nextStream(t)
	assert.Equal(t, types.MessageID("m1"), s.Msg.ID)
	assert.True(t, f.svc.Streams().IsAnswering(c1))

	groups := f.svc.Messages().Groups(c1)
	require.Len(t, groups, 1)
	assert.NotEqual(t, types.MessageID("m1"), groups[0].ID, "parent-less message gets a generated group")
	assert.Equal(t, groups[0].ID, groups[0].Messages[0].ParentID)

	s.event(t, chunk("r1", "m1", types.MessageAIChunk, "He"))
	s.event(t, chunk("r1", "m1", types.MessageAIChunk, "llo"))
	eventually(t, func() bool {
		m, ok := f.svc.Messages().Message(c1, "r1")
		return ok && m.Content.String() == "Hello"
	}, "chunks accumulate")
	assert.Equal(t, PhaseStreaming, f.svc.Phase(c1))

	s.event(t, chunk("r1", "m1", types.MessageAI, "Hello!"))
	s.done()
	f.svc.Wait()

	m, ok := f.svc.Messages().Message(c1, "r1")
	require.True(t, ok)
	assert.Equal(t, "Hello!", m.Content.String())
	assert.Equal(t, types.MessageAI, m.Type)

	groups = f.svc.Messages().Groups(c1)
	require.Len(t, groups, 2)
	assert.Equal(t, types.MessageID("m1"), groups[1].ID)
	assert.Len(t, groups[1].Messages, 1)

	assert.False(t, f.svc.Streams().IsAnswering(c1))
	assert.Equal(t, PhaseIdle, f.svc.Phase(c1))
	assert.Equal(t, 0, f.svc.Streams().Len())
	assert.False(t, f.svc.Streams().HasUnreadCompletion(c1))
	assert.Empty(t, f.notes.all())
}

func TestBackgroundCompletionIsUnread(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.Convs().SetConvs([]types.Conversation{{ID: c1, Title: "Trip"}, {ID: "c2"}})
	f.svc.View(c1)

	_, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1", Content: types.Text("hi")})
	require.NoError(t, err)
	s := f.backend.nextStream(t)

	f.svc.View("c2")
	s.event(t, chunk("r1", "m1", types.MessageAI, "done"))
	s.done()
	f.svc.Wait()

	_, ok := f.svc.Messages().Message(c1, "r1")
	assert.True(t, ok, "events land in the stream's own conversation")
	assert.True(t, f.svc.Streams().HasUnreadCompletion(c1))
	assert.False(t, f.svc.Streams().IsAnswering(c1))

	notes := f.notes.all()
	require.Len(t, notes, 1)
	assert.Equal(t, "Reply ready: Trip", notes[0].Title)
	assert.True(t, notes[0].Background)

	f.svc.View(c1)
	assert.False(t, f.svc.Streams().HasUnreadCompletion(c1))
}

func TestSendSupersedesPreviousStream(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.View(c1)

	_, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1"})
	require.NoError(t, err)
	first := f.backend.nextStream(t)

	_, err = f.svc.Send(context.Background(), c1, types.Message{ID: "m2"})
	require.NoError(t, err)
	second := f.backend.nextStream(t)
	assert.True(t, f.svc.Streams().IsAnswering(c1))

	first.event(t, chunk("old", "m1", types.MessageAI, "stale"))
	second.event(t, chunk("new", "m2", types.MessageAI, "fresh"))
	second.done()
	f.svc.Wait()

	_, ok := f.svc.Messages().Message(c1, "old")
	assert.False(t, ok, "superseded stream must not write")
	m, ok := f.svc.Messages().Message(c1, "new")
	require.True(t, ok)
	assert.Equal(t, "fresh", m.Content.String())
	assert.Equal(t, PhaseIdle, f.svc.Phase(c1))
	assert.False(t, f.svc.Streams().IsAnswering(c1))
	assert.Empty(t, f.notes.all())
}

func TestInterrupt(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.interruptErr = errors.New("server gone")
	f.svc.View(c1)

	_, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1"})
	require.NoError(t, err)
	s := f.backend.nextStream(t)
	s.event(t, chunk("r1", "m1", types.MessageAIChunk, "par"))
	eventually(t, func() bool {
		_, ok := f.svc.Messages().Message(c1, "r1")
		return ok
	}, "first chunk applied")

	require.NoError(t, f.svc.Interrupt(context.Background(), c1))
	assert.False(t, f.svc.Streams().IsAnswering(c1))
	assert.Equal(t, PhaseInterrupted, f.svc.Phase(c1))

	s.event(t, chunk("r1", "m1", types.MessageAIChunk, "tial"))
	f.svc.Wait()

	m, _ := f.svc.Messages().Message(c1, "r1")
	assert.Equal(t, "par", m.Content.String())
	assert.Equal(t, PhaseInterrupted, f.svc.Phase(c1))
	assert.Equal(t, []types.ConvID{c1}, f.backend.interrupts)
	assert.Empty(t, f.notes.all())
}

func TestStreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(*fakeBackend)
		drive  func(*testing.T, *fakeStream)
		title  string
		detail string
	}{
		{
			name:  "error event",
			drive: func(t *testing.T, s *fakeStream) { s.event(t, chunk("e1", "m1", types.MessageError, "boom")) },
			title: "Assistant error", detail: "boom",
		},
		{
			name:  "connection lost",
			drive: func(_ *testing.T, s *fakeStream) { s.fail(errors.New("reset by peer")) },
			title: "Connection lost",
		},
		{
			name:  "rejected request",
			setup: func(b *fakeBackend) { b.openErr = &api.Error{Status: 500, Detail: "model offline"} },
			title: "Send failed", detail: "model offline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Options{})
			if tt.setup != nil {
				tt.setup(f.backend)
			}
			f.svc.View(c1)

			_, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1"})
			require.NoError(t, err)
			if tt.drive != nil {
				tt.drive(t, f.backend.nextStream(t))
			}
			f.svc.Wait()

			assert.Equal(t, PhaseErrored, f.svc.Phase(c1))
			assert.False(t, f.svc.Streams().IsAnswering(c1))
			assert.Equal(t, 0, f.svc.Streams().Len())

			notes := f.notes.all()
			require.Len(t, notes, 1)
			assert.Equal(t, types.LevelError, notes[0].Level)
			assert.Equal(t, tt.title, notes[0].Title)
			if tt.detail != "" {
				assert.Equal(t, tt.detail, notes[0].Detail)
			}
		})
	}
}

func TestMalformedAndUnknownEventsAreSkipped(t *testing.T) {
	f := newFixture(t, Options{})
	f.svc.View(c1)

	_, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1"})
	require.NoError(t, err)
	s := f.backend.nextStream(t)
	s.raw("data: {not json\n")
	s.raw(`data: {"id":"x1","parent_id":"m1","type":"mystery","content":"?"}` + "\n")
	s.event(t, chunk("r1", "m1", types.MessageAI, "ok"))
	s.done()
	f.svc.Wait()

	_, ok := f.svc.Messages().Message(c1, "x1")
	assert.False(t, ok)
	m, ok := f.svc.Messages().Message(c1, "r1")
	require.True(t, ok)
	assert.Equal(t, "ok", m.Content.String())
	assert.Equal(t, PhaseIdle, f.svc.Phase(c1))
	assert.Empty(t, f.notes.all())
}

func TestSendThrottle(t *testing.T) {
	f := newFixture(t, Options{SendThrottle: time.Hour})

	_, err := f.svc.Send(context.Background(), c1, types.Message{Content: types.Text("one")})
	require.NoError(t, err)
	_, err = f.svc.Send(context.Background(), c1, types.Message{Content: types.Text("two")})
	assert.ErrorIs(t, err, ErrThrottled)

	_, err = f.svc.Send(context.Background(), "c2", types.Message{Content: types.Text("other")})
	assert.NoError(t, err, "throttle is per conversation")

	assert.Len(t, f.svc.Messages().Groups(c1), 1)
}

func TestSendRequiresConversation(t *testing.T) {
	f := newFixture(t, Options{})
	_, err := f.svc.Send(context.Background(), "", types.Message{})
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.ErrorIs(t, f.svc.Interrupt(context.Background(), ""), ErrNoConversation)
}

func TestOpenKeepsCachedMessages(t *testing.T) {
	f := newFixture(t, Options{})
	f.backend.addConv(types.Conversation{ID: c1, Messages: []types.Message{
		{ID: "server", Type: types.MessageHuman, Content: types.Text("from server")},
	}})
	f.backend.addConv(types.Conversation{ID: "c2", Messages: []types.Message{
		{ID: "s2", Type: types.MessageHuman, Content: types.Text("hello")},
	}})

	f.svc.Messages().UpdateOrAdd(c1, types.Message{ID: "local", ParentID: "g", Type: types.MessageAI})
	require.NoError(t, f.svc.Open(context.Background(), c1))
	assert.Equal(t, 0, f.backend.getCount())
	_, ok := f.svc.Messages().Message(c1, "local")
	assert.True(t, ok)
	assert.Equal(t, c1, f.svc.Messages().Active())

	require.NoError(t, f.svc.Open(context.Background(), "c2"))
	assert.Equal(t, 1, f.backend.getCount())
	_, ok = f.svc.Messages().Message("c2", "s2")
	assert.True(t, ok)

	err := f.svc.Open(context.Background(), "missing")
	var apiErr *api.Error
	assert.ErrorAs(t, err, &apiErr)
}

func TestJournalRecordsStream(t *testing.T) {
	j := state.NewFileJournal(t.TempDir())
	f := newFixture(t, Options{Journal: j})
	f.svc.View(c1)

	_, err := f.svc.Send(context.Background(), c1, types.Message{ID: "m1", Content: types.Text("hi")})
	require.NoError(t, err)
	s := f.backend.nextStream(t)
	s.event(t, chunk("r1", "m1", types.MessageAIChunk, "He"))
	s.event(t, chunk("r1", "m1", types.MessageAIChunk, "llo"))
	s.done()
	f.svc.Wait()

	entries, err := j.Tail(context.Background(), c1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.Equal(t, types.EntrySend, entries[0].Kind)
	assert.Equal(t, types.EntryDone, entries[3].Kind)

	groups := state.Replay(entries)
	require.Len(t, groups, 2)
	assert.Equal(t, "Hello", groups[1].Messages[0].Content.String())
}
