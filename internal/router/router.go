// Package router runs the client side of the protocol: one Session per
// admitted connection, dispatching inbound frames through a handler table.
package router

import (
	"log/slog"
	"sync"

	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/pkg/state"
)

// Router holds what every session shares: the registry, the fan-out engine
// and the frame handlers.
type Router struct {
	logger   *slog.Logger
	registry state.Manager
	fanout   *fanout.Engine
	config   Config
	recorder Recorder

	handlers  map[string]HandlerFunc
	handlerMu sync.RWMutex
}

type Option func(*Router)

func WithRecorder(r Recorder) Option {
	return func(rt *Router) {
		if r != nil {
			rt.recorder = r
		}
	}
}

func New(logger *slog.Logger, registry state.Manager, engine *fanout.Engine, config Config, opts ...Option) *Router {
	if config.DenialPolicy == "" {
		config.DenialPolicy = DenyReject
	}
	r := &Router{
		logger:   logger.With(slog.String("component", "router")),
		registry: registry,
		fanout:   engine,
		config:   config,
		recorder: nopRecorder{},
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.registerCoreHandlers()
	return r
}

func (r *Router) registerCoreHandlers() {
	r.RegisterHandler(protocol.TypeJoinGroup, handleJoinGroup)
	r.RegisterHandler(protocol.TypeLeaveGroup, handleLeaveGroup)
	r.RegisterHandler(protocol.TypeSendToGroup, handleSendToGroup)
	r.logger.Debug("Registered core handlers", slog.Int("count", len(r.handlers)))
}

// RegisterHandler binds a frame type to fn. It panics on a duplicate type.
func (r *Router) RegisterHandler(frameType string, fn HandlerFunc) {
	r.handlerMu.Lock()
	defer r.handlerMu.Unlock()
	if _, exists := r.handlers[frameType]; exists {
		panic("handler already registered: " + frameType)
	}
	r.handlers[frameType] = fn
}

func (r *Router) handler(frameType string) (HandlerFunc, bool) {
	r.handlerMu.RLock()
	defer r.handlerMu.RUnlock()
	fn, ok := r.handlers[frameType]
	return fn, ok
}

// NewSession wraps an admitted connection. initialGroups are joined by Open
// without a capability check.
func (r *Router) NewSession(conn *state.Connection, initialGroups []string) *Session {
	s := &Session{
		router:        r,
		conn:          conn,
		initialGroups: append([]string(nil), initialGroups...),
		limiter:       newFrameLimiter(r.config.RateLimit),
		logger: r.logger.With(
			slog.String("connID", conn.ID),
			slog.String("hub", conn.Hub),
			slog.String("userID", conn.UserID),
		),
	}
	s.state.Store(int32(StateConnecting))
	return s
}
