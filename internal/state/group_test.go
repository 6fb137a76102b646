package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/chatbot/internal/types"
)

func msg(id, parent string, typ types.MessageType, content string) types.Message {
	return types.Message{
		ID:       types.MessageID(id),
		ParentID: types.MessageID(parent),
		Type:     typ,
		Content:  types.Text(content),
	}
}

func TestGroupMessagesByParent(t *testing.T) {
	in := []types.Message{
		msg("h1", "t1", types.MessageHuman, "hi"),
		msg("a1", "t1", types.MessageAI, "hello"),
		msg("h2", "t2", types.MessageHuman, "again"),
		msg("t1-tool", "t1", types.MessageTool, "42"),
	}

	groups := GroupMessages(in)
	require.Len(t, groups, 2)
	assert.Equal(t, types.MessageID("t1"), groups[0].ID)
	assert.Equal(t, types.MessageID("t2"), groups[1].ID)

	var ids []types.MessageID
	for _, m := range groups[0].Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []types.MessageID{"h1", "a1", "t1-tool"}, ids)
}

func TestGroupMessagesParentlessAreSingletons(t *testing.T) {
	in := []types.Message{
		msg("x", "", types.MessageHuman, "one"),
		msg("y", "", types.MessageHuman, "two"),
		msg("", "", types.MessageHuman, "three"),
	}

	groups := GroupMessages(in)
	require.Len(t, groups, 3)
	for _, g := range groups {
		require.Len(t, g.Messages, 1)
		assert.Equal(t, g.ID, g.Messages[0].ParentID)
	}
	assert.NotEqual(t, groups[0].ID, groups[1].ID)
	assert.NotEmpty(t, groups[2].ID)
}

func TestGroupMessagesReplyToParentlessMessage(t *testing.T) {
	in := []types.Message{
		msg("m1", "", types.MessageHuman, "hi"),
		msg("r1", "m1", types.MessageAI, "hello"),
	}

	groups := GroupMessages(in)
	require.Len(t, groups, 2)
	assert.NotEqual(t, types.MessageID("m1"), groups[0].ID)
	assert.Equal(t, groups[0].ID, groups[0].Messages[0].ParentID)
	assert.Equal(t, types.MessageID("m1"), groups[1].ID)
	require.Len(t, groups[1].Messages, 1)
	assert.Equal(t, types.MessageID("r1"), groups[1].Messages[0].ID)

	// The live store must arrive at the same shape.
	s := NewMessageStore(nil)
	for _, m := range in {
		s.UpdateOrAdd("c", m)
	}
	live := s.Groups("c")
	require.Len(t, live, 2)
	assert.Len(t, live[0].Messages, 1)
	assert.Equal(t, types.MessageID("m1"), live[1].ID)
}

func TestGroupMessagesIdempotent(t *testing.T) {
	in := []types.Message{
		msg("h1", "", types.MessageHuman, "hi"),
		msg("a1", "h1", types.MessageAI, "hello"),
		msg("h2", "", types.MessageHuman, "more"),
		msg("a2", "h2", types.MessageAI, "sure"),
		msg("h3", "g", types.MessageHuman, "x"),
	}

	first := GroupMessages(in)
	second := GroupMessages(Flatten(first))
	assert.Equal(t, first, second)
	assert.Len(t, Flatten(first), len(in))
}

func TestGroupMessagesDoesNotAliasInput(t *testing.T) {
	in := []types.Message{msg("h1", "", types.MessageHuman, "hi")}
	GroupMessages(in)
	assert.Empty(t, in[0].ParentID)
}
