package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/sidorares/webpubsub-local/internal/controlplane"
	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/metrics"
	"github.com/sidorares/webpubsub-local/internal/router"
	"github.com/sidorares/webpubsub-local/internal/server/middleware"
	"github.com/sidorares/webpubsub-local/pkg/config"
	"github.com/sidorares/webpubsub-local/pkg/state"
	"github.com/sidorares/webpubsub-local/pkg/state/statemanager"
	"github.com/sidorares/webpubsub-local/pkg/transport"
)

var (
	ErrShuttingDown = errors.New("server shutting down")
	ErrCycled       = errors.New("connection cycled by new connection")
)

type App struct {
	logger       *slog.Logger
	registry     state.Manager
	router       *router.Router
	controlPlane *controlplane.Service
	metrics      *metrics.Collector
	wg           sync.WaitGroup
	http         *http.Server
	handler      http.Handler
	config       *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config) (*App, error) {
	policy, err := router.ParseDenialPolicy(cfg.Session.DenialPolicy)
	if err != nil {
		return nil, err
	}
	rateLimit, err := router.ParseRateLimit(cfg.Session.RateLimit)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(promRegistry)

	registry := statemanager.NewInMemoryManager(logger, statemanager.WithObserver(collector))
	engine := fanout.New(logger, registry, fanout.WithRecorder(collector))

	app := &App{
		logger:   logger.With(slog.String("component", "server")),
		registry: registry,
		router: router.New(logger, registry, engine, router.Config{
			DenialPolicy:      policy,
			GroupSenderUserID: cfg.Session.GroupSenderUserID,
			RateLimit:         rateLimit,
		}, router.WithRecorder(collector)),
		controlPlane: controlplane.NewService(logger, registry, engine),
		metrics:      collector,
		config:       cfg,
		ctx:          rootCtx,
	}
	app.handler = app.routes()

	app.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}
	return app, nil
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(
		mux.MiddlewareFunc(middleware.RequestMetadataMiddleware()),
		mux.MiddlewareFunc(middleware.NewRequestLogger(a.logger, a.metrics.ObserveRequest)),
	)

	auth := middleware.NewAuthMiddleware(a.logger, a.config.Server.Auth.JWTSecret)
	limiter := middleware.NewConnectionLimiter(
		a.logger,
		a.registry.UserConnectionCount,
		a.cycleOldest,
		a.config.Server.ConnectionLimit,
	)
	client := middleware.Chain(http.HandlerFunc(a.upgradeHandler), auth, limiter)
	r.Handle("/client/hubs/{hub}", client).Methods(http.MethodGet)
	r.Handle("/client", client).Methods(http.MethodGet)

	api := r.PathPrefix("/api/hubs/{hub}").Subrouter()
	api.Use(mux.MiddlewareFunc(auth))
	api.HandleFunc("/:send", a.handleSendToAll).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group}/:send", a.handleSendToGroup).Methods(http.MethodPost)
	api.HandleFunc("/connections/{connectionId}/:send", a.handleSendToConnection).Methods(http.MethodPost)
	api.HandleFunc("/users/{userId}/:send", a.handleSendToUser).Methods(http.MethodPost)
	api.HandleFunc("/groups/{group}/connections/{connectionId}", a.handleAddToGroup).Methods(http.MethodPut)
	api.HandleFunc("/groups/{group}/connections/{connectionId}", a.handleRemoveFromGroup).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{connectionId}", a.handleCloseConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{connectionId}", a.handleConnectionExists).Methods(http.MethodHead)
	api.HandleFunc("/groups/{group}", a.handleGroupExists).Methods(http.MethodHead)

	r.HandleFunc("/healthz", a.handleHealth).Methods(http.MethodGet)
	if a.config.Metrics.Enabled {
		r.Handle("/metrics", a.metrics.Handler()).Methods(http.MethodGet)
	}
	return r
}

// Handler exposes the routed handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		a.logger.Error("HTTP server failed", slog.Any("error", err))
		a.closeAll(err)
		a.wg.Wait()
		return fmt.Errorf("listen on %s: %w", a.http.Addr, err)
	case <-a.ctx.Done():
		return a.Shutdown()
	}
}

// cycleOldest makes room for a new connection of userID.
func (a *App) cycleOldest(userID string) {
	oldest, found := a.registry.OldestUserConnection(userID)
	if !found {
		return
	}
	a.logger.Info("Cycling connection: closing oldest",
		slog.String("userID", userID),
		slog.String("connID", oldest.ID),
		slog.String("hub", oldest.Hub),
	)
	oldest.Transport.Close(ErrCycled)
}

func (a *App) closeAll(reason error) {
	for _, hub := range a.registry.Hubs() {
		for _, conn := range a.registry.Connections(hub) {
			conn.Transport.Close(reason)
		}
	}
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	timeout := a.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// hijacked WebSocket connections are not tracked by http.Server.
	a.logger.Info("Closing all active connections...")
	a.closeAll(ErrShuttingDown)

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}

func transportConfig(c config.TransportConfig) transport.ConnectionConfig {
	return transport.ConnectionConfig{
		ReadTimeout:  c.ReadTimeout,
		WriteTimeout: c.WriteTimeout,
		PingInterval: c.PingInterval,
		SendBuffer:   c.SendBuffer,
		ReadLimit:    c.ReadLimit,
	}
}
