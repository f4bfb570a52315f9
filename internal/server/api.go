package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/sidorares/webpubsub-local/internal/controlplane"
	"github.com/sidorares/webpubsub-local/internal/fanout"
	"github.com/sidorares/webpubsub-local/internal/protocol"
	"github.com/sidorares/webpubsub-local/internal/server/middleware"
	"github.com/sidorares/webpubsub-local/pkg/state"
)

const maxBodyBytes = 1 << 20

func (a *App) caller(r *http.Request) controlplane.Caller {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		return controlplane.Caller{}
	}
	return controlplane.Caller{Subject: reqMeta.UserID, Capabilities: reqMeta.Capabilities}
}

// readPayload converts the request body according to its content type.
func readPayload(w http.ResponseWriter, r *http.Request) (protocol.Payload, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return protocol.Payload{}, err
	}
	return protocol.PayloadFromBody(r.Header.Get("Content-Type"), body)
}

func (a *App) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytes *http.MaxBytesError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, controlplane.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, state.ErrConnectionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidJSON):
		status = http.StatusBadRequest
	case errors.Is(err, protocol.ErrUnknownDataType):
		status = http.StatusUnsupportedMediaType
	case errors.As(err, &maxBytes):
		status = http.StatusRequestEntityTooLarge
	}
	if status == http.StatusInternalServerError {
		a.logger.ErrorContext(r.Context(), "Control-plane request failed", slog.Any("error", err))
	}
	http.Error(w, err.Error(), status)
}

// accepted finishes a send. Deliveries happen before the response, but the
// status says nothing about how many targets were reached.
func (a *App) accepted(w http.ResponseWriter, r *http.Request, res fanout.Result, err error) {
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(res.Failures) > 0 {
		a.logger.InfoContext(r.Context(), "Send finished with failed targets",
			slog.Int("targets", res.Targets),
			slog.Int("failed", len(res.Failures)),
		)
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleSendToAll(w http.ResponseWriter, r *http.Request) {
	p, err := readPayload(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.controlPlane.SendToAll(r.Context(), a.caller(r), mux.Vars(r)["hub"], p, r.URL.Query()["excluded"])
	a.accepted(w, r, res, err)
}

func (a *App) handleSendToGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := readPayload(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.controlPlane.SendToGroup(r.Context(), a.caller(r), vars["hub"], vars["group"], p, r.URL.Query()["excluded"])
	a.accepted(w, r, res, err)
}

func (a *App) handleSendToConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := readPayload(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.controlPlane.SendToConnection(r.Context(), a.caller(r), vars["hub"], vars["connectionId"], p)
	a.accepted(w, r, res, err)
}

func (a *App) handleSendToUser(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := readPayload(w, r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	res, err := a.controlPlane.SendToUser(r.Context(), a.caller(r), vars["hub"], vars["userId"], p)
	a.accepted(w, r, res, err)
}

func (a *App) handleAddToGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.controlPlane.AddConnectionToGroup(r.Context(), a.caller(r), vars["hub"], vars["group"], vars["connectionId"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleRemoveFromGroup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.controlPlane.RemoveConnectionFromGroup(r.Context(), a.caller(r), vars["hub"], vars["group"], vars["connectionId"]); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleCloseConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	reason := r.URL.Query().Get("reason")
	if err := a.controlPlane.CloseConnection(r.Context(), a.caller(r), vars["hub"], vars["connectionId"], reason); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleConnectionExists(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	existsStatus(w, a.controlPlane.ConnectionExists(vars["hub"], vars["connectionId"]))
}

func (a *App) handleGroupExists(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	existsStatus(w, a.controlPlane.GroupExists(vars["hub"], vars["group"]))
}

func existsStatus(w http.ResponseWriter, exists bool) {
	if exists {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusNotFound)
}

type healthResponse struct {
	Status string `json:"status"`
	Hubs   int    `json:"hubs"`
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{Status: "ok", Hubs: len(a.registry.Hubs())}); err != nil {
		a.logger.DebugContext(r.Context(), "Failed to write health response", slog.Any("error", err))
	}
}
