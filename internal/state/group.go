// internal/state/group.go
package state

import (
	"github.com/user/chatbot/internal/types"
)

// GroupMessages folds an oldest-first message list into turns. Messages that
// share a parent_id land in one group, in arrival order, and groups keep the
// order in which their id was first seen. A message without a parent_id gets
// a group of its own under a fresh id, even when a later message names it as
// parent, and the stored copy is stamped with that group id so that grouping
// the flattened output again yields the same result.
func GroupMessages(messages []types.Message) []types.Group {
	groups := make([]types.Group, 0, len(messages))
	index := make(map[types.MessageID]int, len(messages))

	for _, msg := range messages {
		msg = msg.Clone()
		key := msg.ParentID
		if key == "" {
			key = types.NewGroupID()
			msg.ParentID = key
		}

		if i, ok := index[key]; ok {
			groups[i].Messages = append(groups[i].Messages, msg)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, types.Group{ID: key, Messages: []types.Message{msg}})
	}
	return groups
}

// Flatten is the inverse of GroupMessages: the messages of every group, in
// group order.
func Flatten(groups []types.Group) []types.Message {
	var out []types.Message
	for _, g := range groups {
		for _, m := range g.Messages {
			out = append(out, m.Clone())
		}
	}
	return out
}
