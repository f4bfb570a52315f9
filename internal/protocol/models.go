// Package protocol defines the JSON frames exchanged with clients.
package protocol

import (
	"encoding/json"
)

// Subprotocol is the WebSocket subprotocol name of the JSON frame format.
const Subprotocol = "json.webpubsub.azure.v1"

// inbound frame types
const (
	TypeJoinGroup   = "joinGroup"
	TypeLeaveGroup  = "leaveGroup"
	TypeSendToGroup = "sendToGroup"
)

// outbound frame types
const (
	TypeSystem  = "system"
	TypeMessage = "message"
)

const (
	EventConnected = "connected"
	EventError     = "error"
)

const (
	FromGroup  = "group"
	FromServer = "server"
)

// ClientMessage is any inbound frame. Group is required for every known
// type; Data and DataType only matter for sendToGroup.
type ClientMessage struct {
	Type     string          `json:"type"`
	Group    string          `json:"group"`
	DataType DataType        `json:"dataType,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	NoEcho   bool            `json:"noEcho,omitempty"`
}

// ConnectedEvent is the first frame a client receives. UserID is null for
// anonymous connections.
type ConnectedEvent struct {
	Type         string  `json:"type"`
	Event        string  `json:"event"`
	UserID       *string `json:"userId"`
	ConnectionID string  `json:"connectionId"`
}

func NewConnectedEvent(userID, connectionID string) ConnectedEvent {
	return ConnectedEvent{
		Type:         TypeSystem,
		Event:        EventConnected,
		UserID:       nullable(userID),
		ConnectionID: connectionID,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

type ErrorDetail struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// ErrorEvent reports a rejected client request.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Event string      `json:"event"`
	Error ErrorDetail `json:"error"`
}

const (
	ErrorForbidden  = "Forbidden"
	ErrorBadRequest = "BadRequest"
	// ErrorTooManyRequests answers frames over the session rate limit.
	ErrorTooManyRequests = "TooManyRequests"
)

func NewErrorEvent(name, message string) ErrorEvent {
	return ErrorEvent{
		Type:  TypeSystem,
		Event: EventError,
		Error: ErrorDetail{Name: name, Message: message},
	}
}

// GroupMessage is delivered to every member of a group. FromUserID is
// encoded as null when empty.
type GroupMessage struct {
	Type       string          `json:"type"`
	From       string          `json:"from"`
	FromUserID *string         `json:"fromUserId"`
	Group      string          `json:"group"`
	DataType   DataType        `json:"dataType"`
	Data       json.RawMessage `json:"data"`
}

// ServerMessage is delivered by the control plane to connections, users or
// a whole hub.
type ServerMessage struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	DataType DataType        `json:"dataType"`
	Data     json.RawMessage `json:"data"`
}

func EncodeGroupMessage(group, fromUserID string, p Payload) ([]byte, error) {
	msg := GroupMessage{
		Type:     TypeMessage,
		From:     FromGroup,
		Group:    group,
		DataType: p.dataType(),
		Data:     p.data(),
	}
	msg.FromUserID = nullable(fromUserID)
	return json.Marshal(msg)
}

func EncodeServerMessage(p Payload) ([]byte, error) {
	return json.Marshal(ServerMessage{
		Type:     TypeMessage,
		From:     FromServer,
		DataType: p.dataType(),
		Data:     p.data(),
	})
}
