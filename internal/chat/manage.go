package chat

import (
	"context"
	"fmt"

	"github.com/user/chatbot/internal/types"
)

// NewConversation creates a conversation and makes it active. When first is
// given it is sent straight away; the new conversation is known to be empty
// so it is never fetched.
func (s *Service) NewConversation(ctx context.Context, title string, first *types.Message) (*types.Conversation, error) {
	conv, err := s.backend.CreateConversation(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = types.NewTimestamp(s.now().UTC())
	}
	if conv.LastMessageAt.IsZero() {
		conv.LastMessageAt = conv.CreatedAt
	}
	s.convs.AddConv(*conv)
	s.messages.SetMessages(conv.ID, nil)
	s.View(conv.ID)

	if first != nil {
		if _, err := s.Send(ctx, conv.ID, *first); err != nil {
			return conv, fmt.Errorf("send first message: %w", err)
		}
	}
	return conv, nil
}

// Rename sets the title on the server, then in the list.
func (s *Service) Rename(ctx context.Context, convID types.ConvID, title string) error {
	if convID == "" {
		return ErrNoConversation
	}
	if err := s.backend.UpdateConversation(ctx, s.withUpdate(convID, &title, nil)); err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	s.convs.UpdateConv(types.ConvUpdate{ID: convID, Title: &title})
	return nil
}

// Pin pins or unpins a conversation.
func (s *Service) Pin(ctx context.Context, convID types.ConvID, pinned bool) error {
	if convID == "" {
		return ErrNoConversation
	}
	if err := s.backend.UpdateConversation(ctx, s.withUpdate(convID, nil, &pinned)); err != nil {
		return fmt.Errorf("pin conversation: %w", err)
	}
	s.convs.UpdateConv(types.ConvUpdate{ID: convID, Pinned: &pinned})
	return nil
}

// withUpdate builds the full conversation body the server expects from the
// listed conversation and the changed fields.
func (s *Service) withUpdate(convID types.ConvID, title *string, pinned *bool) *types.Conversation {
	conv, ok := s.convs.Get(convID)
	if !ok {
		conv = types.Conversation{ID: convID}
	}
	if title != nil {
		conv.Title = *title
	}
	if pinned != nil {
		conv.Pinned = *pinned
	}
	conv.Messages = nil
	return &conv
}

// Delete removes a conversation on the server and drops every trace of it
// locally, stopping its stream if one is open.
func (s *Service) Delete(ctx context.Context, convID types.ConvID) error {
	if convID == "" {
		return ErrNoConversation
	}
	if err := s.backend.DeleteConversation(ctx, convID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	s.streams.Remove(convID)
	s.streams.SetAnswering(convID, false)
	s.streams.ClearUnreadCompletion(convID)
	s.convs.RemoveConv(convID)
	s.messages.Clear(convID)
	if s.messages.Active() == convID {
		s.messages.SetActive("")
	}

	s.mu.Lock()
	delete(s.phases, convID)
	delete(s.limiters, convID)
	s.mu.Unlock()
	return nil
}
