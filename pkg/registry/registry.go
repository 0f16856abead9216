// Package registry tracks live connections per user and derives aggregated
// presence from them. It is process-local state: on restart everyone is
// offline until they reconnect, and durable truth stays in the store.
package registry

import (
	"sync"
	"time"

	"github.com/mkhare/orgchat/pkg/metrics"
	"github.com/mkhare/orgchat/pkg/model"
)

// Conn is the handle the registry keeps for a live client connection.
// Send must never block; implementations buffer and drop slow consumers.
type Conn interface {
	ID() string
	UserID() string
	Send(payload []byte) error
}

// PresenceChange is an aggregated status flip produced by a registry
// mutation. Exactly one change is produced per actual transition.
type PresenceChange struct {
	UserID   string
	Status   model.Status
	LastSeen time.Time
}

type entry struct {
	conn  Conn
	rooms map[string]struct{}
}

// Registry is safe for concurrent use. All mutations happen under one
// mutex; methods only return snapshots, so callers always push to
// connections after the lock is released.
type Registry struct {
	mu       sync.Mutex
	byUser   map[string]map[string]*entry // user -> conn id -> entry
	byConn   map[string]*entry
	status   map[string]model.Status // users with >=1 connection
	lastSeen map[string]time.Time
}

func New() *Registry {
	return &Registry{
		byUser:   make(map[string]map[string]*entry),
		byConn:   make(map[string]*entry),
		status:   make(map[string]model.Status),
		lastSeen: make(map[string]time.Time),
	}
}

// Register adds a connection to its user's set. The returned change is
// non-nil only when this was the user's first live connection.
func (r *Registry) Register(c Conn) *PresenceChange {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := &entry{conn: c, rooms: make(map[string]struct{})}
	r.byConn[c.ID()] = e

	conns := r.byUser[c.UserID()]
	if conns == nil {
		conns = make(map[string]*entry)
		r.byUser[c.UserID()] = conns
	}
	first := len(conns) == 0
	conns[c.ID()] = e
	r.lastSeen[c.UserID()] = now

	metrics.OpenConnections.Inc()

	if !first {
		return nil
	}
	r.status[c.UserID()] = model.StatusOnline
	metrics.PresenceTransitions.WithLabelValues(string(model.StatusOnline)).Inc()
	return &PresenceChange{UserID: c.UserID(), Status: model.StatusOnline, LastSeen: now}
}

// Unregister removes a connection. It returns the rooms the connection had
// joined (so leave notifications can go out) and, when this was the user's
// last connection, the forced flip to offline, unconditionally overriding
// any previously requested status.
func (r *Registry) Unregister(c Conn) (rooms []string, change *PresenceChange) {
	now := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byConn[c.ID()]
	if !ok {
		return nil, nil
	}
	delete(r.byConn, c.ID())

	for room := range e.rooms {
		rooms = append(rooms, room)
	}

	conns := r.byUser[c.UserID()]
	delete(conns, c.ID())
	r.lastSeen[c.UserID()] = now
	metrics.OpenConnections.Dec()

	if len(conns) > 0 {
		return rooms, nil
	}
	delete(r.byUser, c.UserID())
	delete(r.status, c.UserID())
	metrics.PresenceTransitions.WithLabelValues(string(model.StatusOffline)).Inc()
	return rooms, &PresenceChange{UserID: c.UserID(), Status: model.StatusOffline, LastSeen: now}
}

// SetStatus records an explicitly requested status (online or busy). It is
// only honored while the user has at least one live connection; at zero
// connections nothing is recorded and ok is false.
func (r *Registry) SetStatus(userID string, status model.Status) (*PresenceChange, bool) {
	if status != model.StatusOnline && status != model.StatusBusy {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byUser[userID]) == 0 {
		return nil, false
	}
	if r.status[userID] == status {
		return nil, true
	}

	now := time.Now()
	r.status[userID] = status
	r.lastSeen[userID] = now
	metrics.PresenceTransitions.WithLabelValues(string(status)).Inc()
	return &PresenceChange{UserID: userID, Status: status, LastSeen: now}, true
}

// Presence returns the user's aggregated state.
func (r *Registry) Presence(userID string) model.PresenceState {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, ok := r.status[userID]
	if !ok {
		status = model.StatusOffline
	}
	return model.PresenceState{UserID: userID, Status: status, LastSeen: r.lastSeen[userID]}
}

// JoinRoom subscribes a connection to a room. It reports whether the
// connection was already subscribed (re-joining is a no-op).
func (r *Registry) JoinRoom(connID, room string) (already bool, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.byConn[connID]
	if !found {
		return false, false
	}
	if _, already = e.rooms[room]; already {
		return true, true
	}
	e.rooms[room] = struct{}{}
	return false, true
}

// LeaveRoom unsubscribes a connection from a room.
func (r *Registry) LeaveRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.byConn[connID]
	if !found {
		return false
	}
	if _, joined := e.rooms[room]; !joined {
		return false
	}
	delete(e.rooms, room)
	return true
}

// InRoom reports whether the connection is currently subscribed to the room.
func (r *Registry) InRoom(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, found := r.byConn[connID]
	if !found {
		return false
	}
	_, joined := e.rooms[room]
	return joined
}

// RoomsOfUser returns every room any of the user's connections has joined.
func (r *Registry) RoomsOfUser(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for _, e := range r.byUser[userID] {
		for room := range e.rooms {
			if _, dup := seen[room]; !dup {
				seen[room] = struct{}{}
				out = append(out, room)
			}
		}
	}
	return out
}

// EvictUserFromRoom drops every subscription the user's connections hold on
// the room, e.g. after the user was removed from the conversation.
func (r *Registry) EvictUserFromRoom(userID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.byUser[userID] {
		delete(e.rooms, room)
	}
}

// RoomConns snapshots the connections currently subscribed to a room.
func (r *Registry) RoomConns(room string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Conn
	for _, e := range r.byConn {
		if _, joined := e.rooms[room]; joined {
			out = append(out, e.conn)
		}
	}
	return out
}

// UserConns snapshots the user's live connections.
func (r *Registry) UserConns(userID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Conn, 0, len(r.byUser[userID]))
	for _, e := range r.byUser[userID] {
		out = append(out, e.conn)
	}
	return out
}

// ConnCount returns the user's live connection count.
func (r *Registry) ConnCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser[userID])
}
