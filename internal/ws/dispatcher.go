package ws

import (
	"log"

	"github.com/loop-social/realtime/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client event.
// The msg parameter is the concrete struct returned by protocol.ParseClientMessage
// (e.g., protocol.JoinChatMsg, protocol.TypingMsg).
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming WebSocket events to registered handlers
// based on the event type. It handles the built-in ping/pong keepalive
// internally and sends structured error responses for malformed or unsupported
// events.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
}

// NewMessageDispatcher creates a MessageDispatcher. The server reference is
// assigned later via SetServer, since NewServer requires the Dispatch callback.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// SetServer assigns the Server reference on the dispatcher.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a MessageHandler with an event type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into a typed event, handles ping internally, and routes all other types to
// the registered handler. Parse errors and unregistered types result in an
// error message sent back to the client.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s: %v", conn.ID, err)
		d.sendError(conn, "parse_error", "invalid message format")
		return
	}

	// Built-in ping handler — respond immediately without requiring registration.
	if msgType == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Printf("ws: unsupported event type=%q conn=%s", msgType, conn.ID)
		d.sendError(conn, "unsupported_type", "unsupported event type")
		return
	}

	handler(conn, msg)
}

// sendError sends a structured error message back to the client. Errors during
// message construction or transmission are logged but not propagated.
func (d *MessageDispatcher) sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Printf("ws: failed to build error message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send error message conn=%s: %v", conn.ID, err)
	}
}

// sendPong responds to a client ping with a pong message and records the
// keepalive on the connection.
func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.TouchPing()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
