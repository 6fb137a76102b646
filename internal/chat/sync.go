package chat

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/user/chatbot/internal/state"
)

// Refresh reloads the first page of the conversation list.
func (s *Service) Refresh(ctx context.Context) error {
	page, err := s.backend.ListConversations(ctx, "", s.opts.PageSize)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	s.convs.SetConvs(page.Items)
	s.convs.SetPagination(state.PaginationOf(page))
	s.logger.Debug("conversation list refreshed", "count", len(page.Items), "total", page.Total)
	return nil
}

// LoadMore appends the next page of the list. It reports false when there
// is no further page.
func (s *Service) LoadMore(ctx context.Context) (bool, error) {
	next := s.convs.Pagination().NextPage
	if next == "" {
		return false, nil
	}
	page, err := s.backend.ListConversations(ctx, next, s.opts.PageSize)
	if err != nil {
		return false, fmt.Errorf("list conversations: %w", err)
	}
	s.convs.AppendConvs(page.Items)
	s.convs.SetPagination(state.PaginationOf(page))
	return page.NextPage != "", nil
}

// Prefetch warms the message cache for the n most recent conversations of
// the list. Conversations already cached are skipped and nothing cached is
// overwritten.
func (s *Service) Prefetch(ctx context.Context, n int) error {
	convs := s.convs.Convs()
	if n < len(convs) {
		convs = convs[:n]
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, c := range convs {
		if s.messages.HasMessages(c.ID) {
			continue
		}
		id := c.ID
		g.Go(func() error {
			conv, err := s.backend.GetConversation(ctx, id)
			if err != nil {
				return fmt.Errorf("prefetch %s: %w", id, err)
			}
			s.messages.SeedMessages(id, conv.Messages)
			return nil
		})
	}
	return g.Wait()
}
