package state

import (
	"sync/atomic"
	"time"

	"github.com/sidorares/webpubsub-local/pkg/capability"
)

// Transport is the send/close capability of a live connection. The registry
// holds it but never looks inside.
type Transport interface {
	// Send queues one framed message. It must not block on the network.
	Send(message []byte) error
	// Close terminates the connection. Calling it more than once is allowed.
	Close(reason error)
}

// Principal is the verified identity presented at admission.
type Principal struct {
	UserID string
	Scopes []string
	// Groups are joined on open without a joinLeaveGroup check.
	Groups []string
}

// representation of an admitted session. Group memberships are not stored
// here; the registry derives them from its reverse index.
type Connection struct {
	ID           string
	Hub          string
	UserID       string
	Capabilities capability.Set
	Transport    Transport
	CreatedAt    time.Time

	ready atomic.Bool
}

// MarkReady makes the connection reachable by sends. It is called once the
// connected event has been queued, so nothing overtakes it.
func (c *Connection) MarkReady() { c.ready.Store(true) }

// Ready reports whether sends may be delivered to the connection.
func (c *Connection) Ready() bool { return c.ready.Load() }
