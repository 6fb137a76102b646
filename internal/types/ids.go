// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ConvID string
type MessageID string
type ShareID string
type RunID string

func NewConvID() ConvID {
	return ConvID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// NewGroupID returns a fresh group identifier. Group ids share the message id
// space because a group is keyed by the id of the message that opened it.
func NewGroupID() MessageID {
	return NewMessageID()
}
