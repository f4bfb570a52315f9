package state

import (
	"errors"

	"github.com/sidorares/webpubsub-local/pkg/capability"
)

var (
	ErrConnectionNotFound = errors.New("connection not found")
	ErrEmptyHub           = errors.New("hub name is empty")
	ErrEmptyGroup         = errors.New("group name is empty")
	ErrNilTransport       = errors.New("transport is nil")
)

// ConnectionRegistry tracks admitted connections per hub.
type ConnectionRegistry interface {
	// Admit stores a new connection under hub and assigns it a fresh id.
	Admit(hub string, principal Principal, caps capability.Set, transport Transport) (*Connection, error)
	// Remove deletes the connection and purges it from every group of its
	// hub. Removing an unknown connection is a no-op.
	Remove(hub, connID string)
	// Get returns false when the connection is gone; that is a normal race
	// outcome, not an error.
	Get(hub, connID string) (*Connection, bool)

	Connections(hub string) []*Connection
	UserConnections(hub, userID string) []*Connection
	UserConnectionCount(userID string) int
	OldestUserConnection(userID string) (*Connection, bool)
	Hubs() []string
}

// GroupRegistry tracks group membership inside each hub.
type GroupRegistry interface {
	// Join adds connID to group. It fails with ErrConnectionNotFound when
	// connID is not admitted in hub.
	Join(hub, group, connID string) error
	Leave(hub, group, connID string)
	// MembersOf returns a copy of the member ids; nil for an absent group.
	MembersOf(hub, group string) []string
	PurgeConnection(hub, connID string)

	GroupExists(hub, group string) bool
	GroupsOf(hub, connID string) []string
}

type Manager interface {
	ConnectionRegistry
	GroupRegistry
}
