// Package controlplane is the server-side write API: sends, group
// management and connection control, each gated by the caller's scopes.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/pkg/capability"
	"github.com/sidorares/webpubsub-local/pkg/state"
)

var (
	ErrForbidden = errors.New("forbidden")
	// ErrClosedByServer is the close reason of CloseConnection when the
	// caller gives none.
	ErrClosedByServer = errors.New("closed by server")
)

// Caller is the verified identity behind a control-plane request.
type Caller struct {
	Subject      string
	Capabilities capability.Set
}

type Service struct {
	registry state.Manager
	fanout   *fanout.Engine
	logger   *slog.Logger
}

func NewService(logger *slog.Logger, registry state.Manager, engine *fanout.Engine) *Service {
	return &Service{
		registry: registry,
		fanout:   engine,
		logger:   logger.With(slog.String("component", "controlplane")),
	}
}

func forbidden(op, resource string) error {
	return fmt.Errorf("%w: %s %q", ErrForbidden, op, resource)
}

// SendToGroup broadcasts to every member of group. An empty or absent group
// is a success with zero deliveries.
func (s *Service) SendToGroup(ctx context.Context, caller Caller, hub, group string, p protocol.Payload, excluded []string) (fanout.Result, error) {
	if !caller.Capabilities.CanSendToGroup(group) {
		return fanout.Result{}, forbidden("send to group", group)
	}
	res := s.fanout.SendToGroup(ctx, hub, group, p, fanout.Excluding(excluded...))
	return res, res.Err
}

func (s *Service) SendToConnection(ctx context.Context, caller Caller, hub, connID string, p protocol.Payload) (fanout.Result, error) {
	if !caller.Capabilities.CanSendToConnection(connID) {
		return fanout.Result{}, forbidden("send to connection", connID)
	}
	res := s.fanout.SendToConnection(ctx, hub, connID, p)
	return res, res.Err
}

// SendToAll needs authority over every connection of the hub.
func (s *Service) SendToAll(ctx context.Context, caller Caller, hub string, p protocol.Payload, excluded []string) (fanout.Result, error) {
	if !caller.Capabilities.HasWildcard(capability.SendToConnection) {
		return fanout.Result{}, forbidden("send to hub", hub)
	}
	res := s.fanout.SendToAll(ctx, hub, p, fanout.Excluding(excluded...))
	return res, res.Err
}

func (s *Service) SendToUser(ctx context.Context, caller Caller, hub, userID string, p protocol.Payload) (fanout.Result, error) {
	if !caller.Capabilities.HasWildcard(capability.SendToConnection) {
		return fanout.Result{}, forbidden("send to user", userID)
	}
	res := s.fanout.SendToUser(ctx, hub, userID, p)
	return res, res.Err
}

// AddConnectionToGroup returns state.ErrConnectionNotFound when the
// connection is not in hub.
func (s *Service) AddConnectionToGroup(ctx context.Context, caller Caller, hub, group, connID string) error {
	if !caller.Capabilities.CanJoinOrLeaveGroup(group) {
		return forbidden("add to group", group)
	}
	if err := s.registry.Join(hub, group, connID); err != nil {
		return fmt.Errorf("add %s to group %q: %w", connID, group, err)
	}
	s.logger.InfoContext(ctx, "Connection added to group",
		slog.String("hub", hub),
		slog.String("group", group),
		slog.String("connID", connID),
		slog.String("caller", caller.Subject),
	)
	return nil
}

func (s *Service) RemoveConnectionFromGroup(ctx context.Context, caller Caller, hub, group, connID string) error {
	if !caller.Capabilities.CanJoinOrLeaveGroup(group) {
		return forbidden("remove from group", group)
	}
	s.registry.Leave(hub, group, connID)
	s.logger.InfoContext(ctx, "Connection removed from group",
		slog.String("hub", hub),
		slog.String("group", group),
		slog.String("connID", connID),
		slog.String("caller", caller.Subject),
	)
	return nil
}

// CloseConnection removes the connection and closes its transport. Closing
// an absent connection succeeds.
func (s *Service) CloseConnection(ctx context.Context, caller Caller, hub, connID, reason string) error {
	if !caller.Capabilities.CanSendToConnection(connID) {
		return forbidden("close connection", connID)
	}
	conn, ok := s.registry.Get(hub, connID)
	if !ok {
		return nil
	}
	cause := ErrClosedByServer
	if reason != "" {
		cause = fmt.Errorf("%w: %s", ErrClosedByServer, reason)
	}
	s.registry.Remove(hub, connID)
	conn.Transport.Close(cause)
	s.logger.InfoContext(ctx, "Connection closed by caller",
		slog.String("hub", hub),
		slog.String("connID", connID),
		slog.String("caller", caller.Subject),
		slog.String("reason", reason),
	)
	return nil
}

func (s *Service) ConnectionExists(hub, connID string) bool {
	_, ok := s.registry.Get(hub, connID)
	return ok
}

func (s *Service) GroupExists(hub, group string) bool {
	return s.registry.GroupExists(hub, group)
}
