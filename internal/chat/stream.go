package chat

import (
	"context"
	"errors"
	"time"

	"github.com/user/chatbot/internal/metrics"
	"github.com/user/chatbot/internal/stream"
	"github.com/user/chatbot/internal/types"
)

// startStream registers a connection for convID, superseding any previous
// one, and starts its read loop.
func (s *Service) startStream(convID types.ConvID, msg types.Message) {
	ctx, cancel := context.WithCancel(s.ctx)
	conn := s.streams.Add(convID, cancel, nil, s.handler(convID))
	s.streams.SetAnswering(convID, true)
	s.setPhase(convID, PhaseSending)
	s.opts.Metrics.StreamStarted()

	s.wg.Add(1)
	go s.readLoop(ctx, conn, msg)
}

// handler applies message events to the caches of convID. It is bound when
// the stream opens, so events keep landing in the right conversation after
// the user has moved elsewhere.
func (s *Service) handler(convID types.ConvID) stream.Handler {
	return func(msg types.Message) {
		switch msg.Type.Kind() {
		case types.KindTerminal:
			s.messages.UpdateOrAdd(convID, msg)
			s.convs.MoveTop(convID)
		case types.KindChunk:
			s.messages.AppendOrAdd(convID, msg)
		}
		s.record(convID, types.EntryFrame, &msg, "")
	}
}

func (s *Service) readLoop(ctx context.Context, conn *stream.Connection, msg types.Message) {
	defer s.wg.Done()
	convID := conn.ConvID
	logger := s.logger.With("conv_id", convID, "message_id", msg.ID)
	started := s.now()

	body, err := s.backend.OpenStream(ctx, convID, &msg)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			s.cancelled(conn)
			return
		}
		logger.Error("send failed", "error", err)
		s.finish(conn, PhaseErrored, &types.Notification{
			Level:  types.LevelError,
			Title:  "Send failed",
			Detail: detail(err),
			ConvID: convID,
		})
		return
	}
	defer body.Close()
	conn.AttachReader(body)
	conn.Deliver(func() { s.setPhase(convID, PhaseStreaming) })

	var failure string
	first := true
	err = stream.Decode(ctx, body, func(f stream.Frame) bool {
		if f.Done {
			return false
		}
		if f.Err != nil {
			logger.Warn("skipping malformed event", "payload", f.Raw, "error", f.Err)
			s.opts.Metrics.Event("malformed")
			return true
		}
		if first {
			first = false
			s.opts.Metrics.FirstEvent(time.Since(started))
		}

		ev := *f.Message
		kind := ev.Type.Kind()
		switch kind {
		case types.KindTerminal, types.KindChunk:
			if !conn.Dispatch(ev) {
				return false
			}
		case types.KindError:
			failure = ev.Content.String()
			if failure == "" {
				failure = "the assistant reported an error"
			}
			s.opts.Metrics.Event(kind.String())
			return false
		case types.KindUnknown:
			logger.Warn("ignoring event of unknown type", "type", ev.Type)
		}
		s.opts.Metrics.Event(kind.String())
		return true
	})

	switch {
	case !conn.IsActive() || ctx.Err() != nil:
		s.cancelled(conn)
	case err != nil:
		logger.Error("stream broken", "error", err)
		s.finish(conn, PhaseErrored, &types.Notification{
			Level:  types.LevelError,
			Title:  "Connection lost",
			Detail: err.Error(),
			ConvID: convID,
		})
	case failure != "":
		s.finish(conn, PhaseErrored, &types.Notification{
			Level:  types.LevelError,
			Title:  "Assistant error",
			Detail: failure,
			ConvID: convID,
		})
	default:
		s.finish(conn, PhaseIdle, nil)
	}
}

// finish moves a stream that ended on its own to a terminal phase. answering
// is cleared and, when the conversation is not on screen, the completion is
// flagged as unread; this happens for failures too.
func (s *Service) finish(conn *stream.Connection, phase Phase, n *types.Notification) {
	convID := conn.ConvID
	if !conn.Deliver(func() { s.setPhase(convID, phase) }) {
		s.cancelled(conn)
		return
	}
	current := s.streams.Finish(conn)
	background := s.messages.Active() != convID
	if current && background {
		s.streams.MarkCompleted(convID)
	}

	outcome := metrics.OutcomeDone
	kind := types.EntryDone
	if phase == PhaseErrored {
		outcome = metrics.OutcomeError
		kind = types.EntryError
	}
	s.opts.Metrics.StreamFinished(outcome)

	note := ""
	if n != nil {
		note = n.Detail
	}
	s.record(convID, kind, nil, note)

	switch {
	case n != nil:
		s.notify(*n)
	case background:
		title := "Reply ready"
		if c, ok := s.convs.Get(convID); ok && c.Title != "" {
			title = "Reply ready: " + c.Title
		}
		s.notify(types.Notification{Level: types.LevelSuccess, Title: title, ConvID: convID})
	}
}

// cancelled ends a stream that was superseded, interrupted or shut down. It
// touches nothing but the connection itself.
func (s *Service) cancelled(conn *stream.Connection) {
	s.streams.Finish(conn)
	s.opts.Metrics.StreamFinished(metrics.OutcomeCancelled)
	s.logger.Debug("stream cancelled", "conv_id", conn.ConvID)
}
