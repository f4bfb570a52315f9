package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"

	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/pkg/state"
)

// Session is the protocol state machine of one connection:
// Connecting -> Open -> Closed. Frames are handled one at a time by the
// connection's read loop; no session lock is held while sending, since a
// send may close the connection and re-enter Close.
type Session struct {
	router        *Router
	conn          *state.Connection
	initialGroups []string
	state         atomic.Int32
	limiter       *frameLimiter
	closeOnce     sync.Once
	logger        *slog.Logger
}

func (s *Session) ID() string                    { return s.conn.ID }
func (s *Session) Connection() *state.Connection { return s.conn }
func (s *Session) State() State                  { return State(s.state.Load()) }

// Open greets the client and joins the groups granted at admission.
func (s *Session) Open(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return fmt.Errorf("%w: %s", ErrNotOpenable, s.State())
	}
	if err := s.sendJSON(protocol.NewConnectedEvent(s.conn.UserID, s.conn.ID)); err != nil {
		return fmt.Errorf("send connected event: %w", err)
	}
	s.conn.MarkReady()
	for _, group := range s.initialGroups {
		if group == "" {
			continue
		}
		if err := s.router.registry.Join(s.conn.Hub, group, s.conn.ID); err != nil {
			return fmt.Errorf("join initial group %q: %w", group, err)
		}
	}
	s.logger.InfoContext(ctx, "Session opened", slog.Int("initialGroups", len(s.initialGroups)))
	return nil
}

// Handle dispatches one inbound frame. Frames outside the Open state are
// ignored; malformed and refused frames never close the connection.
func (s *Session) Handle(ctx context.Context, frame []byte) {
	if st := s.State(); st != StateOpen {
		s.logger.DebugContext(ctx, "Dropping frame outside open state", slog.String("state", st.String()))
		return
	}
	if !s.limiter.allow(time.Now()) {
		s.throttled(ctx)
		return
	}

	if !gjson.ValidBytes(frame) {
		s.malformed(ctx, "", errors.New("frame is not valid JSON"))
		return
	}
	frameType := gjson.GetBytes(frame, "type").String()
	fn, ok := s.router.handler(frameType)
	if !ok {
		s.malformed(ctx, frameType, fmt.Errorf("unknown frame type %q", frameType))
		return
	}

	var msg protocol.ClientMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		s.malformed(ctx, frameType, err)
		return
	}
	if msg.Group == "" {
		s.malformed(ctx, frameType, errors.New("group is required"))
		return
	}

	err := fn(ctx, s, &msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrForbidden):
		s.denied(ctx, frameType, err)
	case errors.Is(err, ErrBadRequest):
		s.malformed(ctx, frameType, err)
	default:
		s.logger.WarnContext(ctx, "Frame handler failed",
			slog.String("type", frameType),
			slog.Any("error", err),
		)
	}
}

// Close moves the session to Closed once and removes the connection from
// the registry, which also drops it from every group.
func (s *Session) Close(reason error) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.router.registry.Remove(s.conn.Hub, s.conn.ID)
		s.conn.Transport.Close(reason)
		s.logger.Info("Session closed", slog.Any("reason", reason))
	})
}

func (s *Session) denied(ctx context.Context, frameType string, err error) {
	s.router.recorder.FrameDenied(frameType)
	s.logger.InfoContext(ctx, "Frame denied", slog.String("type", frameType), slog.Any("error", err))
	if s.router.config.DenialPolicy != DenyReject {
		return
	}
	s.reply(ctx, protocol.NewErrorEvent(protocol.ErrorForbidden, err.Error()))
}

func (s *Session) malformed(ctx context.Context, frameType string, err error) {
	s.router.recorder.FrameMalformed()
	s.logger.WarnContext(ctx, "Dropping malformed frame", slog.String("type", frameType), slog.Any("error", err))
	if s.router.config.DenialPolicy != DenyReject {
		return
	}
	s.reply(ctx, protocol.NewErrorEvent(protocol.ErrorBadRequest, err.Error()))
}

func (s *Session) throttled(ctx context.Context) {
	s.router.recorder.FrameThrottled()
	s.logger.DebugContext(ctx, "Dropping frame over rate limit")
	if s.router.config.DenialPolicy != DenyReject {
		return
	}
	s.reply(ctx, protocol.NewErrorEvent(protocol.ErrorTooManyRequests, "frame rate limit exceeded"))
}

func (s *Session) reply(ctx context.Context, v any) {
	if err := s.sendJSON(v); err != nil {
		s.logger.DebugContext(ctx, "Could not send reply", slog.Any("error", err))
	}
}

func (s *Session) sendJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.conn.Transport.Send(b)
}
