// Package router is the bridge between persisted events and push delivery,
// and between client-originated ephemeral signals and their recipients. It
// authorizes inbound signals against the caller's identity, fans persisted
// events out to the recipient's registered connections, and drops what it
// cannot deliver: the REST write has already committed, so realtime delivery
// is a best-effort accelerant, never the source of truth.
package router

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/metrics"
	"github.com/loop-social/realtime/internal/protocol"
	"github.com/loop-social/realtime/internal/ratelimit"
	"github.com/loop-social/realtime/internal/registry"
)

// Router fans events out to connections and tracks which conversation each
// connection has joined.
type Router struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter // nil disables typing throttling

	mu       sync.Mutex
	watching map[string]identity.ID // connID -> joined conversation partner
}

// New creates a Router over the given registry. The limiter may be nil.
func New(reg *registry.Registry, limiter *ratelimit.Limiter) *Router {
	return &Router{
		registry: reg,
		limiter:  limiter,
		watching: make(map[string]identity.ID),
	}
}

// OnMessageCreated delivers a freshly persisted message to every connection
// of its receiver. Called after persistence has committed; if the receiver
// has no open connection the event is dropped and the receiver's unread
// counter is corrected lazily by its next /messages/unread fetch.
func (r *Router) OnMessageCreated(msg protocol.Message) {
	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{Message: msg})
	if err != nil {
		log.Printf("router: failed to build newMessage id=%d: %v", msg.ID, err)
		return
	}
	r.deliver(msg.ReceiverID, protocol.TypeNewMessage, data)
}

// OnNotificationCreated delivers a freshly persisted notification to its
// recipient's connections.
func (r *Router) OnNotificationCreated(recipientID identity.ID, n protocol.Notification) {
	data, err := protocol.NewServerMessage(protocol.TypeNewNotification, protocol.NewNotificationMsg{Notification: n})
	if err != nil {
		log.Printf("router: failed to build newNotification id=%d: %v", n.ID, err)
		return
	}
	r.deliver(recipientID, protocol.TypeNewNotification, data)
}

// JoinChat records that a connection is viewing the conversation with the
// given partner. Typing signals from that connection are only honored for
// the joined partner.
func (r *Router) JoinChat(connID string, partnerID identity.ID) {
	r.mu.Lock()
	r.watching[connID] = partnerID
	r.mu.Unlock()
}

// Leave forgets a connection's joined conversation. Called on disconnect.
func (r *Router) Leave(connID string) {
	r.mu.Lock()
	delete(r.watching, connID)
	r.mu.Unlock()
}

// Joined returns the partner a connection has joined, if any.
func (r *Router) Joined(connID string) (identity.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	partner, ok := r.watching[connID]
	return partner, ok
}

// OnTyping forwards an ephemeral typing signal to the conversation partner's
// connections. The sender may only signal typing for the conversation its
// connection has joined; anything else is silently discarded. Typing is never
// queued for offline delivery.
func (r *Router) OnTyping(connID string, fromUserID, conversationID identity.ID, isTyping bool) {
	partner, ok := r.Joined(connID)
	if !ok || partner != conversationID {
		log.Printf("router: rejected typing signal conn=%s user=%d conversation=%d (not joined)",
			connID, fromUserID, conversationID)
		return
	}

	if r.limiter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		allowed, _ := r.limiter.Allow(ctx, connID, ratelimit.RuleTyping)
		cancel()
		if !allowed {
			return
		}
	}

	data, err := protocol.NewServerMessage(protocol.TypeDisplayTyping, protocol.DisplayTypingMsg{
		UserID:   fromUserID,
		IsTyping: isTyping,
	})
	if err != nil {
		log.Printf("router: failed to build displayTyping from=%d: %v", fromUserID, err)
		return
	}
	r.deliver(partner, protocol.TypeDisplayTyping, data)
}

// deliver writes one encoded event to every connection of the recipient. The
// connection list is snapshotted before the first write; a failed write is
// logged, counted, and never blocks delivery to the remaining connections.
func (r *Router) deliver(recipientID identity.ID, eventType string, data []byte) {
	conns := r.registry.ConnectionsFor(recipientID)
	if len(conns) == 0 {
		return
	}

	start := time.Now()
	for _, conn := range conns {
		if err := conn.WriteMessage(data); err != nil {
			metrics.EventsDropped.WithLabelValues(eventType).Inc()
			log.Printf("router: dropped %s for user=%d conn=%s: %v", eventType, recipientID, conn.ConnID(), err)
			continue
		}
		metrics.EventsDelivered.WithLabelValues(eventType).Inc()
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
}
