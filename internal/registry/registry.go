// Package registry tracks which users currently have live realtime
// connections. A user may hold several connections at once (multiple tabs or
// devices); the registry maps each authenticated user id to its set of
// connection handles and reports online/offline boundary transitions
// (0↔1 connections) to an observer.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/loop-social/realtime/internal/identity"
)

// Conn is the minimal connection handle the registry needs: a stable id for
// bookkeeping and a write method for fan-out.
type Conn interface {
	ConnID() string
	WriteMessage(data []byte) error
}

// entry records one live connection and its owner.
type entry struct {
	conn     Conn
	userID   identity.ID
	openedAt time.Time
}

// TransitionFunc observes online/offline boundary crossings. It is invoked
// after the registry mutation completes and without the data lock held, so
// the observer may query the registry freely. Invocations are serialized in
// mutation order.
type TransitionFunc func(userID identity.ID, online bool)

// Registry is the single shared record of live connections. All state is
// in-memory; a process restart is equivalent to every user going offline.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*entry
	byUser map[identity.ID]map[string]Conn

	// transitionMu is held across a mutation and its transition callback.
	// Register and Unregister run on different goroutines (HTTP handlers vs
	// epoll workers); without this a reconnect racing a final disconnect
	// could publish its online transition before the stale offline one,
	// leaving observers with an inverted view of the user.
	transitionMu sync.Mutex
	onTransition TransitionFunc
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byConn: make(map[string]*entry),
		byUser: make(map[identity.ID]map[string]Conn),
	}
}

// OnTransition registers the boundary transition observer. It must be set
// before the first Register call; there is no locking around the field
// itself.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.onTransition = fn
}

// Register adds a connection for an authenticated user. Identity must be
// established before registration; the transport layer never registers
// unauthenticated connections. If this is the user's first connection the
// online transition fires.
func (r *Registry) Register(userID identity.ID, conn Conn) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()

	r.mu.Lock()
	r.byConn[conn.ConnID()] = &entry{conn: conn, userID: userID, openedAt: time.Now()}

	conns, ok := r.byUser[userID]
	if !ok {
		conns = make(map[string]Conn)
		r.byUser[userID] = conns
	}
	wasOffline := len(conns) == 0
	conns[conn.ConnID()] = conn
	r.mu.Unlock()

	if wasOffline && r.onTransition != nil {
		r.onTransition(userID, true)
	}
}

// Unregister removes a connection by id. Unregistering an unknown id is a
// no-op, which absorbs double-disconnect races between the read loop and the
// heartbeat. If this was the user's last connection the offline transition
// fires.
func (r *Registry) Unregister(connID string) {
	r.transitionMu.Lock()
	defer r.transitionMu.Unlock()

	r.mu.Lock()
	e, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)

	nowOffline := false
	if conns, ok := r.byUser[e.userID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(r.byUser, e.userID)
			nowOffline = true
		}
	}
	r.mu.Unlock()

	if nowOffline && r.onTransition != nil {
		r.onTransition(e.userID, false)
	}
}

// ConnectionsFor returns a snapshot of the user's current connections. An
// empty slice means the user is offline. The snapshot is taken before any
// fan-out begins so that concurrent registry mutations cannot tear a
// delivery.
func (r *Registry) ConnectionsFor(userID identity.ID) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.byUser[userID]))
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	return conns
}

// UserFor returns the owner of a connection id and whether it is registered.
func (r *Registry) UserFor(connID string) (identity.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	return e.userID, true
}

// Online reports whether the user has at least one registered connection.
func (r *Registry) Online(userID identity.ID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// OnlineUsers returns the sorted set of users with at least one connection.
func (r *Registry) OnlineUsers() []identity.ID {
	r.mu.RLock()
	users := make([]identity.ID, 0, len(r.byUser))
	for id := range r.byUser {
		users = append(users, id)
	}
	r.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// AllConnections returns a snapshot of every registered connection, for
// presence broadcasts.
func (r *Registry) AllConnections() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.byConn))
	for _, e := range r.byConn {
		conns = append(conns, e.conn)
	}
	return conns
}

// Count returns the current number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
