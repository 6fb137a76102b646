package state

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatbot/internal/types"
)

const conv = types.ConvID("c1")

func TestAppendOrAddAccumulates(t *testing.T) {
	s := NewMessageStore(nil)
	s.AppendOrAdd(conv, msg("r1", "m1", types.MessageAIChunk, "a"))
	chunk := msg("r1", "m1", types.MessageAIChunk, "b")
	chunk.Reasoning = "because"
	s.AppendOrAdd(conv, chunk)

	got, ok := s.Message(conv, "r1")
	require.True(t, ok)
	assert.Equal(t, "ab", got.Content.String())
	assert.Equal(t, "because", got.Reasoning)
	assert.Len(t, s.Groups(conv), 1)
}

func TestUpdateOrAddReplaces(t *testing.T) {
	s := NewMessageStore(nil)
	s.UpdateOrAdd(conv, msg("r1", "m1", types.MessageAI, "x"))
	s.UpdateOrAdd(conv, msg("r1", "m1", types.MessageAI, "y"))

	got, ok := s.Message(conv, "r1")
	require.True(t, ok)
	assert.Equal(t, "y", got.Content.String())
	require.Len(t, s.Groups(conv), 1)
	assert.Len(t, s.Groups(conv)[0].Messages, 1)
}

func TestUpdateOrAddKeepsFieldsNotSent(t *testing.T) {
	s := NewMessageStore(nil)
	first := msg("r1", "m1", types.MessageAI, "x")
	first.AdditionalKwargs = map[string]any{"model": "m"}
	s.UpdateOrAdd(conv, first)
	s.UpdateOrAdd(conv, types.Message{ID: "r1", ParentID: "m1", Reasoning: "r"})

	got, _ := s.Message(conv, "r1")
	assert.Equal(t, "x", got.Content.String())
	assert.Equal(t, "m", got.Kwarg("model"))
	assert.Equal(t, "r", got.Reasoning)
}

func TestTerminalEventReplacesChunkState(t *testing.T) {
	s := NewMessageStore(nil)
	chunk := msg("r1", "m1", types.MessageAIChunk, "He")
	chunk.Reasoning = "think"
	s.AppendOrAdd(conv, chunk)

	s.UpdateOrAdd(conv, types.Message{ID: "r1", ParentID: "m1", Type: types.MessageAI, Content: types.Text("")})

	got, ok := s.Message(conv, "r1")
	require.True(t, ok)
	assert.Equal(t, types.MessageAI, got.Type)
	assert.Equal(t, "", got.Content.String())
	assert.Equal(t, "", got.Reasoning)
}

func TestParentlessMessagesNeverMerge(t *testing.T) {
	s := NewMessageStore(nil)
	s.UpdateOrAdd(conv, msg("m1", "", types.MessageHuman, "one"))
	s.UpdateOrAdd(conv, msg("m1", "", types.MessageHuman, "one again"))

	groups := s.Groups(conv)
	require.Len(t, groups, 2)
	assert.NotEqual(t, groups[0].ID, groups[1].ID)
	for _, g := range groups {
		assert.Equal(t, g.ID, g.Messages[0].ParentID)
	}
}

func TestLookupUsesLastMatchingGroup(t *testing.T) {
	s := NewMessageStore(nil)
	s.SetMessages(conv, []types.Message{
		msg("a", "g", types.MessageAI, "first"),
		msg("b", "other", types.MessageAI, "x"),
	})
	// Force a second group with id "g" behind the first one.
	s.mu.Lock()
	s.convs[conv] = append(s.convs[conv], types.Group{ID: "g", Messages: []types.Message{msg("a", "g", types.MessageAI, "second")}})
	s.mu.Unlock()

	s.AppendOrAdd(conv, msg("a", "g", types.MessageAIChunk, "!"))

	groups := s.Groups(conv)
	assert.Equal(t, "first", groups[0].Messages[0].Content.String())
	assert.Equal(t, "second!", groups[2].Messages[0].Content.String())
}

func TestDeleteMessage(t *testing.T) {
	s := NewMessageStore(nil)
	s.SetMessages(conv, []types.Message{
		msg("h1", "g1", types.MessageHuman, "hi"),
		msg("a1", "g1", types.MessageAI, "hello"),
		msg("t1", "g1", types.MessageTool, "tool"),
		msg("h2", "g2", types.MessageHuman, "bye"),
	})

	require.NoError(t, s.DeleteMessage(conv, "g1", "a1"))
	groups := s.Groups(conv)
	require.Len(t, groups, 2)
	assert.Equal(t, types.MessageID("g1"), groups[0].ID)
	assert.Equal(t, []types.MessageID{"h1", "t1"}, []types.MessageID{groups[0].Messages[0].ID, groups[0].Messages[1].ID})

	require.NoError(t, s.DeleteMessage(conv, "g2", "h2"))
	groups = s.Groups(conv)
	require.Len(t, groups, 1)
	assert.Equal(t, types.MessageID("g1"), groups[0].ID)

	assert.ErrorIs(t, s.DeleteMessage(conv, "missing", "x"), ErrGroupNotFound)
	assert.Len(t, s.Groups(conv), 1)
}

func TestDeleteMessageWithoutParentUsesIDAsGroup(t *testing.T) {
	s := NewMessageStore(nil)
	s.UpdateOrAdd(conv, msg("f1", "f1", types.MessageHuman, ""))
	require.NoError(t, s.DeleteMessage(conv, "", "f1"))
	assert.False(t, s.HasMessages(conv))
}

func TestCachesAreIndependent(t *testing.T) {
	s := NewMessageStore(nil)
	s.SetMessages("a", []types.Message{msg("1", "g", types.MessageHuman, "a")})
	s.SetMessages("b", []types.Message{msg("2", "g", types.MessageHuman, "b")})
	s.SetActive("b")

	assert.True(t, s.HasMessages("a"))
	assert.False(t, s.HasMessages("zzz"))
	require.Len(t, s.Messages(), 1)
	assert.Equal(t, "b", s.Messages()[0].Messages[0].Content.String())

	s.AppendOrAdd("a", msg("1", "g", types.MessageAIChunk, "!"))
	got, _ := s.Message("a", "1")
	assert.Equal(t, "a!", got.Content.String())
	assert.Equal(t, "b", s.Messages()[0].Messages[0].Content.String())

	s.Clear("a")
	assert.False(t, s.HasMessages("a"))
}

func TestReturnedGroupsAreCopies(t *testing.T) {
	s := NewMessageStore(nil)
	s.UpdateOrAdd(conv, msg("a", "g", types.MessageAI, "x"))
	groups := s.Groups(conv)
	groups[0].Messages[0].Content = types.Text("mutated")

	got, _ := s.Message(conv, "a")
	assert.Equal(t, "x", got.Content.String())
}

func TestConcurrentWritersOnDifferentConversations(t *testing.T) {
	s := NewMessageStore(nil)
	var wg sync.WaitGroup
	for _, id := range []types.ConvID{"a", "b", "c"} {
		wg.Add(1)
		go func(id types.ConvID) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				s.AppendOrAdd(id, msg("r", "g", types.MessageAIChunk, "."))
			}
		}(id)
	}
	wg.Wait()

	for _, id := range []types.ConvID{"a", "b", "c"} {
		got, ok := s.Message(id, "r")
		require.True(t, ok)
		assert.Len(t, got.Content.String(), 100)
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := NewMessageStore(nil)
	ctx, cancel := context.WithCancel(context.Background())
	feed := s.Subscribe(ctx)

	s.UpdateOrAdd(conv, msg("a", "g", types.MessageAI, "x"))

	select {
	case ch := <-feed:
		assert.Equal(t, conv, ch.ConvID)
	case <-time.After(time.Second):
		t.Fatal("expected a change")
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-feed
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestSeedMessagesOnlyFillsEmptyCache(t *testing.T) {
	s := NewMessageStore(nil)
	s.AppendOrAdd(conv, msg("r1", "m1", types.MessageAIChunk, "streamed"))

	assert.False(t, s.SeedMessages(conv, []types.Message{msg("old", "g", types.MessageAI, "stale")}))
	_, ok := s.Message(conv, "old")
	assert.False(t, ok)

	assert.True(t, s.SeedMessages("fresh", []types.Message{msg("a", "g", types.MessageAI, "x")}))
	assert.True(t, s.HasMessages("fresh"))
}
