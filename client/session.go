// Package client implements the realtime client session: one WebSocket
// connection per instance, authenticated with the user's JWT, exposing derived
// state (online-user set, unread counters, toast stream) and an open
// conversation view. Incoming frames are mapped to a tagged event union and
// folded into the session state by a single reducer, so every state change
// flows through one place.
package client

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/protocol"
)

// Status is the connection state of the session.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventKind tags the events the session reducer folds over.
type EventKind int

const (
	EventStatusChanged EventKind = iota
	EventOnlineSnapshot
	EventPresenceChanged
	EventMessageReceived
	EventNotificationReceived
	EventCountsCorrected
	EventCounterViewed
)

// Counter identifies one of the session's unread counters.
type Counter int

const (
	CounterMessages Counter = iota
	CounterNotifications
)

// Event is one entry of the tagged union. Only the fields relevant to its
// Kind are populated.
type Event struct {
	Kind         EventKind
	Status       Status
	Users        []identity.ID
	UserID       identity.ID
	Online       bool
	Message      protocol.Message
	Notification protocol.Notification
	Counts       UnreadCounts
	Counter      Counter
}

// State is the derived session state the UI renders from.
type State struct {
	Status              Status
	Online              map[identity.ID]bool
	UnreadMessages      int
	UnreadNotifications int
}

// reduce folds one event into the state. It is a pure function: routing
// decisions (open conversation vs. counter increment) happen before an event
// is emitted, so every event that reaches the reducer applies unconditionally.
func reduce(s State, ev Event) State {
	switch ev.Kind {
	case EventStatusChanged:
		s.Status = ev.Status

	case EventOnlineSnapshot:
		online := make(map[identity.ID]bool, len(ev.Users))
		for _, id := range ev.Users {
			online[id] = true
		}
		s.Online = online

	case EventPresenceChanged:
		online := make(map[identity.ID]bool, len(s.Online))
		for id := range s.Online {
			online[id] = true
		}
		if ev.Online {
			online[ev.UserID] = true
		} else {
			delete(online, ev.UserID)
		}
		s.Online = online

	case EventMessageReceived:
		s.UnreadMessages++

	case EventNotificationReceived:
		s.UnreadNotifications++

	case EventCountsCorrected:
		s.UnreadMessages = ev.Counts.Messages
		s.UnreadNotifications = ev.Counts.Notifications

	case EventCounterViewed:
		switch ev.Counter {
		case CounterMessages:
			s.UnreadMessages = 0
		case CounterNotifications:
			s.UnreadNotifications = 0
		}
	}
	return s
}

// Toast is a transient UI notice surfaced for events the user is not looking
// at.
type Toast struct {
	Kind string // "message" or "notification"
	From identity.ID
	Text string
}

// Config holds the session's connection parameters.
type Config struct {
	UserID               identity.ID
	WSURL                string // e.g. "ws://localhost:8080/ws"
	APIBaseURL           string // e.g. "http://localhost:8081"
	Token                string
	MaxReconnectAttempts int           // default 5
	ReconnectDelay       time.Duration // default 2s
}

// Session owns one realtime connection and the state derived from it.
type Session struct {
	config Config
	rest   *RESTClient

	mu      sync.Mutex
	state   State
	conn    net.Conn
	writeMu sync.Mutex
	view    *ConversationView

	toasts    chan Toast
	done      chan struct{}
	closeOnce sync.Once

	// dial is swappable so tests can hand the session one end of a pipe.
	dial func(ctx context.Context, url string) (net.Conn, error)
}

// NewSession creates a session. It does not connect; call Connect.
func NewSession(config Config) *Session {
	if config.MaxReconnectAttempts <= 0 {
		config.MaxReconnectAttempts = 5
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = 2 * time.Second
	}
	return &Session{
		config: config,
		rest:   NewRESTClient(config.APIBaseURL, config.Token),
		state:  State{Status: StatusDisconnected, Online: map[identity.ID]bool{}},
		toasts: make(chan Toast, 16),
		done:   make(chan struct{}),
		dial: func(ctx context.Context, url string) (net.Conn, error) {
			conn, _, _, err := ws.Dial(ctx, url)
			return conn, err
		},
	}
}

// Connect dials the realtime server, begins reading events, and issues the
// authoritative unread fetch that corrects any drift accumulated while
// disconnected.
func (s *Session) Connect(ctx context.Context) error {
	s.apply(Event{Kind: EventStatusChanged, Status: StatusConnecting})

	conn, err := s.dial(ctx, s.config.WSURL+"?token="+s.config.Token)
	if err != nil {
		s.apply(Event{Kind: EventStatusChanged, Status: StatusDisconnected})
		return fmt.Errorf("client: dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.apply(Event{Kind: EventStatusChanged, Status: StatusConnected})

	go s.readLoop(conn)

	// The server pushes initialOnlineUsers itself; unread counters come from
	// the REST source of truth. Local counts are overwritten even if events
	// already arrived, which is exactly the drift correction we want.
	go s.refreshUnread()

	return nil
}

// refreshUnread fetches authoritative unread counters and folds them into the
// state. Failures are logged and left for the next reconnect.
func (s *Session) refreshUnread() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	counts, err := s.rest.Unread(ctx)
	if err != nil {
		log.Printf("client: unread fetch failed: %v", err)
		return
	}
	s.apply(Event{Kind: EventCountsCorrected, Counts: counts})
}

// readLoop reads frames until the connection fails or the session is closed.
func (s *Session) readLoop(conn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// Stale connection from a previous Connect must not trigger
			// another reconnect cycle.
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}
			log.Printf("client: connection lost: %v", err)
			s.apply(Event{Kind: EventStatusChanged, Status: StatusDisconnected})
			go s.reconnect()
			return
		}
		s.handleFrame(data)
	}
}

// handleFrame maps one wire event onto the session: reducer events for state,
// the open conversation view for messages and typing.
func (s *Session) handleFrame(data []byte) {
	msgType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		log.Printf("client: parse frame: %v", err)
		return
	}

	switch msgType {
	case protocol.TypeInitialOnlineUsers:
		m := msg.(protocol.InitialOnlineUsersMsg)
		s.apply(Event{Kind: EventOnlineSnapshot, Users: m.Users})

	case protocol.TypeUserStatusUpdate:
		m := msg.(protocol.UserStatusUpdateMsg)
		s.apply(Event{
			Kind:   EventPresenceChanged,
			UserID: m.UserID,
			Online: m.Status == protocol.StatusOnline,
		})

	case protocol.TypeNewMessage:
		m := msg.(protocol.NewMessageMsg)
		s.routeMessage(m.Message)

	case protocol.TypeNewNotification:
		m := msg.(protocol.NewNotificationMsg)
		s.apply(Event{Kind: EventNotificationReceived, Notification: m.Notification})
		s.toast(Toast{Kind: "notification", From: m.Notification.FromUser, Text: m.Notification.Message})

	case protocol.TypeDisplayTyping:
		m := msg.(protocol.DisplayTypingMsg)
		s.mu.Lock()
		view := s.view
		s.mu.Unlock()
		if view != nil && view.PartnerID() == m.UserID {
			view.SetPartnerTyping(m.IsTyping)
		}

	case protocol.TypeError:
		m := msg.(protocol.ErrorMsg)
		log.Printf("client: server error code=%s: %s", m.Code, m.Message)

	case protocol.TypePong:
		// Keepalive only.
	}
}

// routeMessage hands a pushed message to the open conversation view if it
// belongs there; otherwise it increments the unread counter and surfaces a
// toast.
func (s *Session) routeMessage(msg protocol.Message) {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()

	if view != nil && view.PartnerID() == msg.SenderID {
		view.ApplyIncoming(msg)
		return
	}

	s.apply(Event{Kind: EventMessageReceived, Message: msg})
	s.toast(Toast{Kind: "message", From: msg.SenderID, Text: msg.Content})
}

// reconnect retries Connect a bounded number of times. If every attempt
// fails, the session stays disconnected; state is then understood to be stale
// until the caller connects again explicitly.
func (s *Session) reconnect() {
	for attempt := 1; attempt <= s.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-s.done:
			return
		case <-time.After(s.config.ReconnectDelay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := s.Connect(ctx)
		cancel()
		if err == nil {
			log.Printf("client: reconnected after %d attempt(s)", attempt)
			return
		}
		log.Printf("client: reconnect attempt %d/%d failed: %v",
			attempt, s.config.MaxReconnectAttempts, err)
	}
	log.Printf("client: reconnect attempts exhausted, staying disconnected")
}

// apply folds an event into the session state.
func (s *Session) apply(ev Event) {
	s.mu.Lock()
	s.state = reduce(s.state, ev)
	s.mu.Unlock()
}

// toast emits onto the toast stream, dropping when no one is consuming.
func (s *Session) toast(t Toast) {
	select {
	case s.toasts <- t:
	default:
	}
}

// State returns a snapshot of the session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state
	online := make(map[identity.ID]bool, len(s.state.Online))
	for id := range s.state.Online {
		online[id] = true
	}
	snapshot.Online = online
	return snapshot
}

// Toasts returns the transient notice stream.
func (s *Session) Toasts() <-chan Toast {
	return s.toasts
}

// OpenConversation opens the conversation with partnerID: it creates the
// view, announces the open conversation to the server (scoping typing
// signals), and fetches history in the background. placeholder marks a
// conversation opened from a profile before any message exists; it has no
// history to fetch.
func (s *Session) OpenConversation(partnerID identity.ID, placeholder bool) *ConversationView {
	view := NewConversationView(partnerID, placeholder)

	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	if err := s.send(protocol.TypeJoinChat, protocol.JoinChatMsg{PartnerID: partnerID}); err != nil {
		log.Printf("client: joinChat: %v", err)
	}

	if !placeholder {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			history, err := s.rest.Conversation(ctx, partnerID)
			if err != nil {
				log.Printf("client: history fetch for %s: %v", partnerID, err)
				return
			}
			view.LoadHistory(history)

			if err := s.rest.MarkConversationRead(ctx, partnerID); err != nil {
				log.Printf("client: mark read for %s: %v", partnerID, err)
			}
		}()
	}

	return view
}

// CloseConversation detaches the open conversation view. Pushed messages for
// it count as unread again.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	s.view = nil
	s.mu.Unlock()
}

// SendMessage sends a message in the open conversation. The view shows an
// optimistic entry immediately; the REST call persists it and the confirmed
// row replaces the optimistic one in place. The first successful send in a
// placeholder conversation promotes it to a persisted one.
func (s *Session) SendMessage(ctx context.Context, content string, attachments []string) (*protocol.Message, error) {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	if view == nil {
		return nil, fmt.Errorf("client: no open conversation")
	}

	tmpID := view.AppendLocal(s.config.UserID, content, attachments)

	msg, err := s.rest.SendMessage(ctx, view.PartnerID(), content, attachments)
	if err != nil {
		view.FailLocal(tmpID)
		return nil, err
	}
	view.ConfirmLocal(tmpID, *msg)

	if view.Placeholder() {
		// Swap the placeholder for the server-confirmed conversation entry.
		if _, err := s.rest.Conversations(ctx); err != nil {
			log.Printf("client: conversation list refetch: %v", err)
		}
		view.Promote()
	}
	return msg, nil
}

// SendTyping signals whether the user is composing in the open conversation.
func (s *Session) SendTyping(isTyping bool) error {
	s.mu.Lock()
	view := s.view
	s.mu.Unlock()
	if view == nil {
		return fmt.Errorf("client: no open conversation")
	}
	return s.send(protocol.TypeTyping, protocol.TypingMsg{
		ConversationID: view.PartnerID(),
		IsTyping:       isTyping,
	})
}

// MarkMessagesViewed resets the unread message counter when the user
// navigates to the messages view.
func (s *Session) MarkMessagesViewed() {
	s.apply(Event{Kind: EventCounterViewed, Counter: CounterMessages})
}

// MarkNotificationsViewed resets the unread notification counter when the
// user navigates to the notifications view, and tells the server so the
// authoritative count follows.
func (s *Session) MarkNotificationsViewed(ctx context.Context) error {
	s.apply(Event{Kind: EventCounterViewed, Counter: CounterNotifications})
	return s.rest.MarkNotificationsRead(ctx)
}

// send writes a client event on the connection.
func (s *Session) send(msgType string, payload interface{}) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("client: not connected")
	}

	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// Close shuts the session down. It is safe to call multiple times.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		conn := s.conn
		s.conn = nil
		s.state = reduce(s.state, Event{Kind: EventStatusChanged, Status: StatusDisconnected})
		s.mu.Unlock()
		if conn != nil {
			err = conn.Close()
		}
	})
	return err
}
