// Package fanout delivers one logical message to every connection it
// resolves to. Targets are snapshotted from the registry first and sent to
// afterwards, so no registry lock is held while a transport is touched.
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/pkg/state"
)

// ErrConnectionGone is recorded for a snapshotted member that disconnected
// before its turn came.
var ErrConnectionGone = errors.New("connection is gone")

// Target names what a send addressed; it labels logs and metrics.
type Target string

const (
	TargetGroup      Target = "group"
	TargetConnection Target = "connection"
	TargetUser       Target = "user"
	TargetHub        Target = "hub"
)

// Recorder receives per-target delivery outcomes.
type Recorder interface {
	MessageDelivered(target Target)
	DeliveryFailed(target Target, err error)
}

type nopRecorder struct{}

func (nopRecorder) MessageDelivered(Target)      {}
func (nopRecorder) DeliveryFailed(Target, error) {}

type Failure struct {
	ConnectionID string
	Err          error
}

// Result summarizes one fan-out. Err is set only when the message could not
// be encoded, in which case nothing was sent.
type Result struct {
	Targets   int
	Delivered int
	Failures  []Failure
	Err       error
}

type sendOptions struct {
	excluded   map[string]struct{}
	fromUserID string
}

type SendOption func(*sendOptions)

// Excluding skips the given connection ids.
func Excluding(ids ...string) SendOption {
	return func(o *sendOptions) {
		if len(ids) == 0 {
			return
		}
		if o.excluded == nil {
			o.excluded = make(map[string]struct{}, len(ids))
		}
		for _, id := range ids {
			o.excluded[id] = struct{}{}
		}
	}
}

// FromUser fills fromUserId of group messages. Without it the field is null.
func FromUser(userID string) SendOption {
	return func(o *sendOptions) { o.fromUserID = userID }
}

type Engine struct {
	registry state.Manager
	recorder Recorder
	logger   *slog.Logger
}

type Option func(*Engine)

func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func New(logger *slog.Logger, registry state.Manager, opts ...Option) *Engine {
	e := &Engine{
		registry: registry,
		recorder: nopRecorder{},
		logger:   logger.With(slog.String("component", "fanout")),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SendToGroup delivers p to every member of group at snapshot time.
func (e *Engine) SendToGroup(ctx context.Context, hub, group string, p protocol.Payload, opts ...SendOption) Result {
	o := collect(opts)
	frame, err := protocol.EncodeGroupMessage(group, o.fromUserID, p)
	if err != nil {
		return Result{Err: fmt.Errorf("encode group message: %w", err)}
	}
	members := e.registry.MembersOf(hub, group)
	res := e.deliver(ctx, hub, TargetGroup, members, frame, o)
	e.logger.DebugContext(ctx, "Notified group",
		slog.String("hub", hub),
		slog.String("group", group),
		slog.Int("targets", res.Targets),
		slog.Int("delivered", res.Delivered),
	)
	return res
}

// SendToConnection delivers p to one connection. An absent connection is a
// no-op with zero targets.
func (e *Engine) SendToConnection(ctx context.Context, hub, connID string, p protocol.Payload) Result {
	if _, ok := e.registry.Get(hub, connID); !ok {
		e.logger.DebugContext(ctx, "Connection not found, nothing to send", slog.String("hub", hub), slog.String("connID", connID))
		return Result{}
	}
	frame, err := protocol.EncodeServerMessage(p)
	if err != nil {
		return Result{Err: fmt.Errorf("encode server message: %w", err)}
	}
	return e.deliver(ctx, hub, TargetConnection, []string{connID}, frame, sendOptions{})
}

// SendToUser delivers p to every connection of userID in hub.
func (e *Engine) SendToUser(ctx context.Context, hub, userID string, p protocol.Payload) Result {
	frame, err := protocol.EncodeServerMessage(p)
	if err != nil {
		return Result{Err: fmt.Errorf("encode server message: %w", err)}
	}
	return e.deliver(ctx, hub, TargetUser, ids(e.registry.UserConnections(hub, userID)), frame, sendOptions{})
}

// SendToAll delivers p to every connection in hub.
func (e *Engine) SendToAll(ctx context.Context, hub string, p protocol.Payload, opts ...SendOption) Result {
	frame, err := protocol.EncodeServerMessage(p)
	if err != nil {
		return Result{Err: fmt.Errorf("encode server message: %w", err)}
	}
	return e.deliver(ctx, hub, TargetHub, ids(e.registry.Connections(hub)), frame, collect(opts))
}

// deliver sends frame to each id independently. A failure for one id is
// recorded and never stops the others. Connections that are not Ready are
// skipped without counting as targets.
func (e *Engine) deliver(ctx context.Context, hub string, target Target, connIDs []string, frame []byte, o sendOptions) Result {
	var res Result
	for _, id := range connIDs {
		if _, skip := o.excluded[id]; skip {
			continue
		}

		conn, ok := e.registry.Get(hub, id)
		if !ok {
			res.Targets++
			res.Failures = append(res.Failures, Failure{ConnectionID: id, Err: ErrConnectionGone})
			e.recorder.DeliveryFailed(target, ErrConnectionGone)
			continue
		}
		// not greeted yet
		if !conn.Ready() {
			continue
		}
		res.Targets++
		if err := conn.Transport.Send(frame); err != nil {
			e.logger.WarnContext(ctx, "Failed to deliver message",
				slog.String("hub", hub),
				slog.String("connID", id),
				slog.String("target", string(target)),
				slog.Any("error", err),
			)
			res.Failures = append(res.Failures, Failure{ConnectionID: id, Err: err})
			e.recorder.DeliveryFailed(target, err)
			continue
		}
		res.Delivered++
		e.recorder.MessageDelivered(target)
	}
	return res
}

func collect(opts []SendOption) sendOptions {
	var o sendOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func ids(conns []*state.Connection) []string {
	out := make([]string, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.ID)
	}
	return out
}
