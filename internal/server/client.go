package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/internal/server/middleware"
	"github.com/sidorares/webpubsub-local/pkg/state"
	"github.com/sidorares/webpubsub-local/pkg/transport"
)

var (
	errHubRequired = errors.New("hub is required")
	errHubMismatch = errors.New("token audience is for another hub")
)

// hubFromAudience returns the last path segment of a client endpoint
// audience such as https://host/client/hubs/chat.
func hubFromAudience(aud string) string {
	if aud == "" {
		return ""
	}
	u, err := url.Parse(aud)
	if err != nil || u.Path == "" {
		return ""
	}
	hub := path.Base(strings.TrimRight(u.Path, "/"))
	if hub == "." || hub == "/" || hub == "client" {
		return ""
	}
	return hub
}

// resolveHub prefers the hub in the URL and falls back to the one named by
// the token audience. Both must agree when both are present.
func resolveHub(pathHub, aud string) (string, error) {
	audHub := hubFromAudience(aud)
	switch {
	case pathHub != "" && audHub != "" && !strings.EqualFold(pathHub, audHub):
		return "", errHubMismatch
	case pathHub != "":
		return pathHub, nil
	case audHub != "":
		return audHub, nil
	default:
		return "", errHubRequired
	}
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	hub, err := resolveHub(mux.Vars(r)["hub"], reqMeta.Audience)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errHubMismatch) {
			status = http.StatusUnauthorized
		}
		a.logger.Warn("Rejecting client connection", slog.String("ip", reqMeta.IP), slog.Any("error", err))
		http.Error(w, err.Error(), status)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("hub", hub),
		slog.String("userID", reqMeta.UserID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{protocol.Subprotocol},
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// closed through closeAll on shutdown, not by request cancellation
	conn := transport.NewConnection(
		context.WithoutCancel(r.Context()),
		&a.wg,
		wsConn,
		transportConfig(a.config.Transport),
		connLogger,
	)
	principal := state.Principal{
		UserID: reqMeta.UserID,
		Scopes: reqMeta.Scopes,
		Groups: reqMeta.Groups,
	}
	stateConn, err := a.registry.Admit(hub, principal, reqMeta.Capabilities, conn)
	if err != nil {
		connLogger.Error("Failed to admit connection", slog.Any("error", err))
		wsConn.Close(websocket.StatusInternalError, "admission failed")
		return
	}

	session := a.router.NewSession(stateConn, principal.Groups)
	conn.SetOnMessageHandler(session.Handle)
	conn.SetOnCloseHandler(session.Close)
	if err := session.Open(r.Context()); err != nil {
		connLogger.Error("Failed to open session", slog.Any("error", err))
		session.Close(err)
		wsConn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	connLogger.Info("Client connection fully established", slog.String("connID", stateConn.ID))
	conn.Run()
	<-conn.Done()
}
