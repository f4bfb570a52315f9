package statemanager

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sidorares/webpubsub-local/pkg/capability"
	"github.com/sidorares/webpubsub-local/pkg/state"
)

// Observer is notified of registry changes. Calls happen after locks are
// released.
type Observer interface {
	ConnectionAdmitted(hub string)
	ConnectionRemoved(hub string)
	GroupCreated(hub string)
	GroupDropped(hub string)
}

type Option func(*InMemoryManager)

func WithObserver(o Observer) Option {
	return func(m *InMemoryManager) { m.observer = o }
}

// WithIDGenerator replaces uuid generation. The generator must never repeat
// an id for the lifetime of the manager.
func WithIDGenerator(gen func() string) Option {
	return func(m *InMemoryManager) { m.newID = gen }
}

type memberSet map[string]struct{}

// hub holds everything scoped to one hub behind a single lock, so removing a
// connection and purging its memberships is one critical section.
type hub struct {
	mu         sync.RWMutex
	conns      map[string]*state.Connection
	groups     map[string]memberSet // group -> connection ids
	connGroups map[string]memberSet // connection id -> groups
}

func newHub() *hub {
	return &hub{
		conns:      make(map[string]*state.Connection),
		groups:     make(map[string]memberSet),
		connGroups: make(map[string]memberSet),
	}
}

func (h *hub) empty() bool {
	return len(h.conns) == 0 && len(h.groups) == 0
}

// InMemoryManager is the connection and group registry of one process.
type InMemoryManager struct {
	// mu guards the hubs table. Every hub mutation holds mu.RLock for its
	// duration; pruning a hub holds mu.Lock.
	mu   sync.RWMutex
	hubs map[string]*hub

	newID    func() string
	observer Observer
	logger   *slog.Logger
}

// compile-time check to ensure InMemoryManager implements Manager.
var _ state.Manager = (*InMemoryManager)(nil)

func NewInMemoryManager(logger *slog.Logger, opts ...Option) *InMemoryManager {
	m := &InMemoryManager{
		hubs:   make(map[string]*hub),
		newID:  uuid.NewString,
		logger: logger.With(slog.String("component", "state_manager_inmemory")),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// withHub runs fn with the hub locked for writing. When create is false and
// the hub does not exist fn is not called. The table read lock is held
// throughout so a concurrent prune cannot orphan the hub.
func (m *InMemoryManager) withHub(name string, create bool, fn func(h *hub)) bool {
	for {
		m.mu.RLock()
		h, ok := m.hubs[name]
		if ok {
			h.mu.Lock()
			fn(h)
			prune := h.empty()
			h.mu.Unlock()
			m.mu.RUnlock()
			if prune {
				m.pruneHub(name)
			}
			return true
		}
		m.mu.RUnlock()
		if !create {
			return false
		}

		m.mu.Lock()
		if _, ok := m.hubs[name]; !ok {
			m.hubs[name] = newHub()
			m.logger.Debug("Hub created", slog.String("hub", name))
		}
		m.mu.Unlock()
		// retry under the read lock; the new hub may already be pruned
	}
}

// readHub runs fn with the hub locked for reading.
func (m *InMemoryManager) readHub(name string, fn func(h *hub)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hubs[name]
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn(h)
}

func (m *InMemoryManager) pruneHub(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hubs[name]
	if !ok {
		return
	}
	h.mu.RLock()
	empty := h.empty()
	h.mu.RUnlock()
	if empty {
		delete(m.hubs, name)
		m.logger.Debug("Removed empty hub", slog.String("hub", name))
	}
}

// --- Connection Registry ---

func (m *InMemoryManager) Admit(hubName string, principal state.Principal, caps capability.Set, transport state.Transport) (*state.Connection, error) {
	if hubName == "" {
		return nil, state.ErrEmptyHub
	}
	if transport == nil {
		return nil, state.ErrNilTransport
	}

	conn := &state.Connection{
		Hub:          hubName,
		UserID:       principal.UserID,
		Capabilities: caps,
		Transport:    transport,
		CreatedAt:    time.Now(),
	}
	m.withHub(hubName, true, func(h *hub) {
		id := m.newID()
		for _, taken := h.conns[id]; taken; _, taken = h.conns[id] {
			id = m.newID()
		}
		conn.ID = id
		h.conns[id] = conn
	})

	m.logger.Debug("Connection admitted",
		slog.String("hub", hubName),
		slog.String("connID", conn.ID),
		slog.String("userID", conn.UserID),
	)
	if m.observer != nil {
		m.observer.ConnectionAdmitted(hubName)
	}
	return conn, nil
}

func (m *InMemoryManager) Remove(hubName, connID string) {
	var removed bool
	var dropped int
	m.withHub(hubName, false, func(h *hub) {
		if _, ok := h.conns[connID]; !ok {
			// connection is already deregistered
			return
		}
		delete(h.conns, connID)
		dropped = h.purge(connID)
		removed = true
	})
	if !removed {
		return
	}

	m.logger.Debug("Connection removed", slog.String("hub", hubName), slog.String("connID", connID))
	if m.observer != nil {
		m.observer.ConnectionRemoved(hubName)
		for i := 0; i < dropped; i++ {
			m.observer.GroupDropped(hubName)
		}
	}
}

func (m *InMemoryManager) Get(hubName, connID string) (*state.Connection, bool) {
	var conn *state.Connection
	m.readHub(hubName, func(h *hub) {
		conn = h.conns[connID]
	})
	return conn, conn != nil
}

func (m *InMemoryManager) Connections(hubName string) []*state.Connection {
	var conns []*state.Connection
	m.readHub(hubName, func(h *hub) {
		conns = make([]*state.Connection, 0, len(h.conns))
		for _, c := range h.conns {
			conns = append(conns, c)
		}
	})
	return conns
}

func (m *InMemoryManager) UserConnections(hubName, userID string) []*state.Connection {
	if userID == "" {
		return nil
	}
	var conns []*state.Connection
	m.readHub(hubName, func(h *hub) {
		for _, c := range h.conns {
			if c.UserID == userID {
				conns = append(conns, c)
			}
		}
	})
	return conns
}

// UserConnectionCount counts the user's connections across all hubs.
func (m *InMemoryManager) UserConnectionCount(userID string) int {
	count := 0
	m.eachHub(func(h *hub) {
		for _, c := range h.conns {
			if c.UserID == userID {
				count++
			}
		}
	})
	return count
}

func (m *InMemoryManager) OldestUserConnection(userID string) (*state.Connection, bool) {
	var oldest *state.Connection
	m.eachHub(func(h *hub) {
		for _, c := range h.conns {
			if c.UserID != userID {
				continue
			}
			if oldest == nil || c.CreatedAt.Before(oldest.CreatedAt) {
				oldest = c
			}
		}
	})
	return oldest, oldest != nil
}

func (m *InMemoryManager) Hubs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.hubs))
	for name := range m.hubs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *InMemoryManager) eachHub(fn func(h *hub)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, h := range m.hubs {
		h.mu.RLock()
		fn(h)
		h.mu.RUnlock()
	}
}

// --- Group Registry ---

func (m *InMemoryManager) Join(hubName, group, connID string) error {
	if group == "" {
		return state.ErrEmptyGroup
	}
	var created bool
	err := state.ErrConnectionNotFound
	m.withHub(hubName, false, func(h *hub) {
		if _, ok := h.conns[connID]; !ok {
			return
		}
		err = nil
		members, ok := h.groups[group]
		if !ok {
			members = make(memberSet)
			h.groups[group] = members
			created = true
		}
		members[connID] = struct{}{}
		groups, ok := h.connGroups[connID]
		if !ok {
			groups = make(memberSet)
			h.connGroups[connID] = groups
		}
		groups[group] = struct{}{}
	})
	if err != nil {
		return err
	}

	m.logger.Debug("Connection joined group", slog.String("hub", hubName), slog.String("group", group), slog.String("connID", connID))
	if created && m.observer != nil {
		m.observer.GroupCreated(hubName)
	}
	return nil
}

func (m *InMemoryManager) Leave(hubName, group, connID string) {
	var left, dropped bool
	m.withHub(hubName, false, func(h *hub) {
		members, ok := h.groups[group]
		if !ok {
			return
		}
		if _, ok := members[connID]; !ok {
			return
		}
		left = true
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
			dropped = true
		}
		if groups, ok := h.connGroups[connID]; ok {
			delete(groups, group)
			if len(groups) == 0 {
				delete(h.connGroups, connID)
			}
		}
	})
	if !left {
		return
	}

	m.logger.Debug("Connection left group", slog.String("hub", hubName), slog.String("group", group), slog.String("connID", connID))
	if dropped {
		m.logger.Debug("Removed empty group", slog.String("hub", hubName), slog.String("group", group))
		if m.observer != nil {
			m.observer.GroupDropped(hubName)
		}
	}
}

func (m *InMemoryManager) MembersOf(hubName, group string) []string {
	var ids []string
	m.readHub(hubName, func(h *hub) {
		members, ok := h.groups[group]
		if !ok {
			return
		}
		ids = make([]string, 0, len(members))
		for id := range members {
			ids = append(ids, id)
		}
	})
	return ids
}

// PurgeConnection removes connID from every group of the hub. Remove already
// does this in the same critical section as the record deletion.
func (m *InMemoryManager) PurgeConnection(hubName, connID string) {
	var dropped int
	m.withHub(hubName, false, func(h *hub) {
		dropped = h.purge(connID)
	})
	if m.observer != nil {
		for i := 0; i < dropped; i++ {
			m.observer.GroupDropped(hubName)
		}
	}
}

// purge must be called with h.mu held. It returns the number of groups that
// became empty and were dropped.
func (h *hub) purge(connID string) int {
	groups, ok := h.connGroups[connID]
	if !ok {
		return 0
	}
	dropped := 0
	for group := range groups {
		members := h.groups[group]
		delete(members, connID)
		if len(members) == 0 {
			delete(h.groups, group)
			dropped++
		}
	}
	delete(h.connGroups, connID)
	return dropped
}

func (m *InMemoryManager) GroupExists(hubName, group string) bool {
	var exists bool
	m.readHub(hubName, func(h *hub) {
		exists = len(h.groups[group]) > 0
	})
	return exists
}

func (m *InMemoryManager) GroupsOf(hubName, connID string) []string {
	var groups []string
	m.readHub(hubName, func(h *hub) {
		for g := range h.connGroups[connID] {
			groups = append(groups, g)
		}
	})
	sort.Strings(groups)
	return groups
}
