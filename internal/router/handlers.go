package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/protocol"
)

func handleJoinGroup(ctx context.Context, s *Session, msg *protocol.ClientMessage) error {
	if !s.conn.Capabilities.CanJoinOrLeaveGroup(msg.Group) {
		return fmt.Errorf("%w: join group %q", ErrForbidden, msg.Group)
	}
	if err := s.router.registry.Join(s.conn.Hub, msg.Group, s.conn.ID); err != nil {
		return fmt.Errorf("join group %q: %w", msg.Group, err)
	}
	s.logger.DebugContext(ctx, "Joined group", slog.String("group", msg.Group))
	return nil
}

func handleLeaveGroup(ctx context.Context, s *Session, msg *protocol.ClientMessage) error {
	if !s.conn.Capabilities.CanJoinOrLeaveGroup(msg.Group) {
		return fmt.Errorf("%w: leave group %q", ErrForbidden, msg.Group)
	}
	s.router.registry.Leave(s.conn.Hub, msg.Group, s.conn.ID)
	s.logger.DebugContext(ctx, "Left group", slog.String("group", msg.Group))
	return nil
}

// handleSendToGroup does not require the sender to be a member of the group.
func handleSendToGroup(ctx context.Context, s *Session, msg *protocol.ClientMessage) error {
	if !s.conn.Capabilities.CanSendToGroup(msg.Group) {
		return fmt.Errorf("%w: send to group %q", ErrForbidden, msg.Group)
	}
	payload, err := protocol.PayloadFromClient(msg.DataType, msg.Data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	var opts []fanout.SendOption
	if msg.NoEcho {
		opts = append(opts, fanout.Excluding(s.conn.ID))
	}
	if s.router.config.GroupSenderUserID {
		opts = append(opts, fanout.FromUser(s.conn.UserID))
	}
	res := s.router.fanout.SendToGroup(ctx, s.conn.Hub, msg.Group, payload, opts...)
	if res.Err != nil {
		return res.Err
	}
	return nil
}
