// Package registry tracks live socket connections per chat group. Each group
// has its own lock so connects and disconnects in unrelated groups never
// contend, and readers always receive a copy of the connection list.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCapacity is returned by Register when the connection cap is reached.
var ErrCapacity = errors.New("registry: connection capacity reached")

// Sink is the outbound side of one live socket.
type Sink interface {
	// Send writes one text frame. Implementations serialize concurrent calls.
	Send(data []byte) error
	// Close tears down the socket, which ends its read loop.
	Close() error
}

// Connection is one registered socket.
type Connection struct {
	ID        string
	UserID    string
	GroupID   string
	CreatedAt time.Time
	Sink      Sink
}

// groupSet holds one group's connections and per-user counts.
type groupSet struct {
	mu    sync.Mutex
	conns map[string]Connection // conn id -> connection
	users map[string]int        // user id -> open connection count
}

// Registry is safe for concurrent use.
type Registry struct {
	maxConns int

	mu     sync.RWMutex
	groups map[string]*groupSet
	byID   map[string]string // conn id -> group id
}

// New returns an empty registry. maxConns <= 0 means unlimited.
func New(maxConns int) *Registry {
	return &Registry{
		maxConns: maxConns,
		groups:   make(map[string]*groupSet),
		byID:     make(map[string]string),
	}
}

// Register adds a connection for (groupID, userID) and returns its id.
func (r *Registry) Register(groupID, userID string, sink Sink) (string, error) {
	id := uuid.New().String()
	conn := Connection{
		ID:        id,
		UserID:    userID,
		GroupID:   groupID,
		CreatedAt: time.Now(),
		Sink:      sink,
	}

	r.mu.Lock()
	if r.maxConns > 0 && len(r.byID) >= r.maxConns {
		r.mu.Unlock()
		return "", ErrCapacity
	}
	gs, ok := r.groups[groupID]
	if !ok {
		gs = &groupSet{
			conns: make(map[string]Connection),
			users: make(map[string]int),
		}
		r.groups[groupID] = gs
	}
	r.byID[id] = groupID
	// The group lock is taken before releasing r.mu so Unregister cannot
	// drop an empty group between lookup and insert.
	gs.mu.Lock()
	r.mu.Unlock()

	gs.conns[id] = conn
	gs.users[userID]++
	gs.mu.Unlock()

	return id, nil
}

// Unregister removes a connection. It reports false when the id was
// already gone, so callers can run release logic exactly once.
func (r *Registry) Unregister(connID string) (Connection, bool) {
	r.mu.Lock()
	groupID, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return Connection{}, false
	}
	delete(r.byID, connID)
	gs := r.groups[groupID]
	gs.mu.Lock()

	conn := gs.conns[connID]
	delete(gs.conns, connID)
	if n := gs.users[conn.UserID] - 1; n > 0 {
		gs.users[conn.UserID] = n
	} else {
		delete(gs.users, conn.UserID)
	}
	if len(gs.conns) == 0 {
		delete(r.groups, groupID)
	}
	gs.mu.Unlock()
	r.mu.Unlock()

	return conn, true
}

// group returns the set for groupID or nil.
func (r *Registry) group(groupID string) *groupSet {
	r.mu.RLock()
	gs := r.groups[groupID]
	r.mu.RUnlock()
	return gs
}

// ConnectionsFor returns a copy of the group's connections.
func (r *Registry) ConnectionsFor(groupID string) []Connection {
	gs := r.group(groupID)
	if gs == nil {
		return nil
	}
	gs.mu.Lock()
	out := make([]Connection, 0, len(gs.conns))
	for _, c := range gs.conns {
		out = append(out, c)
	}
	gs.mu.Unlock()
	return out
}

// UserConnectionCount returns how many sockets userID has open in groupID.
func (r *Registry) UserConnectionCount(groupID, userID string) int {
	gs := r.group(groupID)
	if gs == nil {
		return 0
	}
	gs.mu.Lock()
	n := gs.users[userID]
	gs.mu.Unlock()
	return n
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (Connection, bool) {
	r.mu.RLock()
	groupID, ok := r.byID[connID]
	var gs *groupSet
	if ok {
		gs = r.groups[groupID]
	}
	r.mu.RUnlock()
	if gs == nil {
		return Connection{}, false
	}
	gs.mu.Lock()
	c, ok := gs.conns[connID]
	gs.mu.Unlock()
	return c, ok
}

// All returns a snapshot of every registered connection.
func (r *Registry) All() []Connection {
	r.mu.RLock()
	sets := make([]*groupSet, 0, len(r.groups))
	for _, gs := range r.groups {
		sets = append(sets, gs)
	}
	r.mu.RUnlock()

	var out []Connection
	for _, gs := range sets {
		gs.mu.Lock()
		for _, c := range gs.conns {
			out = append(out, c)
		}
		gs.mu.Unlock()
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// GroupCount returns the number of groups with at least one connection.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	n := len(r.groups)
	r.mu.RUnlock()
	return n
}
