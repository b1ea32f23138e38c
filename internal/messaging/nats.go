// Package messaging provides a NATS client wrapper for the event bridge
// between the messages REST service and the realtime server. The REST service
// publishes after each successful persistence; the realtime server subscribes
// and fans out to live connections. Delivery is best-effort — the REST write
// is the durable record.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects used by the Loop realtime layer.
const (
	SubjectMessageCreated      = "loop.message.created"
	SubjectNotificationCreated = "loop.notification.created"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "loop-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishMessageCreated publishes a persisted-message event for the realtime
// server to fan out.
func (c *NATSClient) PublishMessageCreated(data []byte) error {
	return c.Publish(SubjectMessageCreated, data)
}

// SubscribeMessageCreated subscribes to persisted-message events.
func (c *NATSClient) SubscribeMessageCreated(handler func(data []byte)) error {
	return c.Subscribe(SubjectMessageCreated, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishNotificationCreated publishes a persisted-notification event.
func (c *NATSClient) PublishNotificationCreated(data []byte) error {
	return c.Publish(SubjectNotificationCreated, data)
}

// SubscribeNotificationCreated subscribes to persisted-notification events.
func (c *NATSClient) SubscribeNotificationCreated(handler func(data []byte)) error {
	return c.Subscribe(SubjectNotificationCreated, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
