// Package presence derives online/offline status from the connection registry
// and broadcasts status transitions. Status is never persisted as truth: a
// full process restart is equivalent to everyone going offline. A Redis
// mirror of the online set is maintained purely so the REST layer can answer
// presence queries without reaching into the WebSocket process.
package presence

import (
	"context"
	"log"
	"time"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/metrics"
	"github.com/loop-social/realtime/internal/protocol"
	"github.com/loop-social/realtime/internal/registry"
)

// Mirror reflects online transitions into an external store. Implemented by
// session.Store; nil disables mirroring.
type Mirror interface {
	SetOnline(ctx context.Context, userID identity.ID, online bool) error
}

// Tracker broadcasts presence transitions and answers snapshot requests.
type Tracker struct {
	registry *registry.Registry
	mirror   Mirror
}

// NewTracker creates a Tracker and hooks it into the registry's boundary
// transitions.
func NewTracker(reg *registry.Registry, mirror Mirror) *Tracker {
	t := &Tracker{registry: reg, mirror: mirror}
	reg.OnTransition(t.handleTransition)
	return t
}

// handleTransition reacts to a 0↔1 connection boundary crossing for a user.
// The contact graph is not consulted: every connected user receives every
// transition. At this system's scale the extra bandwidth is cheaper than
// precomputing who cares.
func (t *Tracker) handleTransition(userID identity.ID, online bool) {
	status := protocol.StatusOffline
	if online {
		status = protocol.StatusOnline
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserStatusUpdate, protocol.UserStatusUpdateMsg{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		log.Printf("presence: failed to build status update for user=%d: %v", userID, err)
		return
	}

	// Snapshot the recipient list before fanning out so a registry mutation
	// mid-broadcast cannot tear the delivery.
	conns := t.registry.AllConnections()
	for _, conn := range conns {
		if err := conn.WriteMessage(data); err != nil {
			// Dead connections are evicted by the transport's own read/
			// heartbeat paths; a failed presence write is only logged.
			log.Printf("presence: status write failed conn=%s: %v", conn.ConnID(), err)
		}
	}

	metrics.OnlineUsers.Set(float64(len(t.registry.OnlineUsers())))

	if t.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := t.mirror.SetOnline(ctx, userID, online); err != nil {
			log.Printf("presence: mirror update failed user=%d: %v", userID, err)
		}
	}

	log.Printf("presence: user=%d status=%s (online_total=%d)", userID, status, len(t.registry.OnlineUsers()))
}

// SendSnapshot sends the initialOnlineUsers message to one freshly
// authenticated connection so it does not have to reconstruct the online set
// from incremental events.
func (t *Tracker) SendSnapshot(conn registry.Conn) error {
	data, err := protocol.NewServerMessage(protocol.TypeInitialOnlineUsers, protocol.InitialOnlineUsersMsg{
		Users: t.registry.OnlineUsers(),
	})
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}
