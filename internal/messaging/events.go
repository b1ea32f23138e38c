package messaging

import (
	"github.com/loop-social/realtime/internal/identity"
	"github.com/loop-social/realtime/internal/protocol"
)

// MessageCreatedEvent is the payload published on loop.message.created after
// the REST service persists a message. The receiver id inside the message is
// the routing key.
type MessageCreatedEvent struct {
	Message protocol.Message `json:"message"`
}

// NotificationCreatedEvent is the payload published on
// loop.notification.created. The recipient is carried alongside the wire
// notification because the notification object itself only names the actor.
type NotificationCreatedEvent struct {
	RecipientID  identity.ID           `json:"recipientId"`
	Notification protocol.Notification `json:"notification"`
}
