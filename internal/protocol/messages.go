// Package protocol defines the WebSocket event types and structures used for
// communication between the client and server. All events are serialized as
// JSON and follow a consistent envelope format with a type discriminator under
// the "type" key; the remaining fields are the event payload.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/loop-social/realtime/internal/identity"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeAuth     = "auth"
	TypeJoinChat = "joinChat"
	TypeTyping   = "typing"
	TypePing     = "ping"
)

// Server -> Client event types.
const (
	TypeInitialOnlineUsers = "initialOnlineUsers"
	TypeUserStatusUpdate   = "userStatusUpdate"
	TypeNewMessage         = "newMessage"
	TypeNewNotification    = "newNotification"
	TypeDisplayTyping      = "displayTyping"
	TypeError              = "error"
	TypePong               = "pong"
)

// Presence status values carried by userStatusUpdate.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Shared domain payloads
// ---------------------------------------------------------------------------

// Message is a persisted direct message as it travels over the wire. The REST
// layer produces it after a successful insert; the realtime layer pushes it
// unchanged to the receiver's connections.
type Message struct {
	ID          int64       `json:"id"`
	SenderID    identity.ID `json:"senderId"`
	ReceiverID  identity.ID `json:"receiverId"`
	Content     string      `json:"content"`
	Attachments []string    `json:"attachments,omitempty"`
	CreatedAt   int64       `json:"createdAt"` // unix milliseconds
	IsRead      bool        `json:"isRead"`
}

// Notification is a persisted notification (friend request, like, etc.) as it
// travels over the wire. FromUser identifies the actor, not the recipient; the
// recipient is implied by which connection receives the event.
type Notification struct {
	ID        int64       `json:"id"`
	Type      string      `json:"notificationType"`
	Message   string      `json:"message"`
	FromUser  identity.ID `json:"fromUser"`
	CreatedAt int64       `json:"createdAt"` // unix milliseconds
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred parsing
// into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// AuthMsg carries the client's JWT. Authentication normally happens at the
// HTTP upgrade via a query parameter or Authorization header; this event
// exists for clients that prefer sending the token in-band right after the
// handshake.
type AuthMsg struct {
	Token string `json:"token"`
}

// JoinChatMsg is sent when the user opens a conversation view. It scopes
// subsequent typing signals to that conversation partner.
type JoinChatMsg struct {
	PartnerID identity.ID `json:"partnerId"`
}

// TypingMsg signals whether the user is currently composing a message in the
// given conversation. ConversationID is the partner's user id for direct
// conversations.
type TypingMsg struct {
	ConversationID identity.ID `json:"conversationId"`
	IsTyping       bool        `json:"isTyping"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// InitialOnlineUsersMsg seeds the client's online set right after connection.
type InitialOnlineUsersMsg struct {
	Users []identity.ID `json:"users"`
}

// UserStatusUpdateMsg broadcasts a presence boundary transition. It is sent
// only when a user's connection count crosses zero in either direction.
type UserStatusUpdateMsg struct {
	UserID identity.ID `json:"userId"`
	Status string      `json:"status"` // StatusOnline or StatusOffline
}

// NewMessageMsg pushes a freshly persisted message to the receiver.
type NewMessageMsg struct {
	Message Message `json:"message"`
}

// NewNotificationMsg pushes a freshly persisted notification to its recipient.
type NewNotificationMsg struct {
	Notification Notification `json:"notification"`
}

// DisplayTypingMsg relays a conversation partner's typing indicator.
type DisplayTypingMsg struct {
	UserID   identity.ID `json:"userId"`
	IsTyping bool        `json:"isTyping"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuth:
		var m AuthMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinChat:
		var m JoinChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage parses raw WebSocket bytes into a typed server event.
// It is the mirror of ParseClientMessage, used by the Go realtime client.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeInitialOnlineUsers:
		var m InitialOnlineUsersMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserStatusUpdate:
		var m UserStatusUpdateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewNotification:
		var m NewNotificationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDisplayTyping:
		var m DisplayTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage creates a JSON-encoded byte slice for a client event,
// injecting the type discriminator the same way NewServerMessage does.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal client message: %w", err)
	}
	return out, nil
}
