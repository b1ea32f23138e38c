package ws

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping (default: 30s)
	Timeout  time.Duration // max time to wait for activity after ping (default: 10s)
}

// DefaultHeartbeatConfig returns sensible defaults for heartbeat monitoring.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat begins a background goroutine that periodically sends
// WebSocket ping frames to all connections and closes those that have gone
// stale (no successful reads within Interval + Timeout). It returns
// immediately; the goroutine exits when the server's done channel is closed.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				checkConnections(server, config)
			}
		}
	}()
}

// checkConnections iterates over all active connections. Connections that have
// not had a successful read within Interval + Timeout are considered dead and
// are removed, which triggers an offline presence transition if it was the
// user's last connection. All other connections receive a WebSocket-level ping
// frame (opcode 0x9) which the browser answers automatically with a pong, and
// have their Redis session TTL refreshed.
func checkConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		lastPing := c.LastPing()
		if now.Sub(lastPing) > deadline {
			log.Printf("ws: heartbeat timeout conn=%s user=%s last_activity=%s ago",
				c.ID, c.UserID, now.Sub(lastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// Send a WebSocket protocol-level ping frame. The write mutex on the
		// connection serializes this with any concurrent application writes.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConnection(c)
			continue
		}

		// The connection is alive; keep its Redis record from expiring.
		if store := server.SessionStore(); store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := store.Touch(ctx, c.ID); err != nil {
				log.Printf("ws: session touch failed conn=%s: %v", c.ID, err)
			}
			cancel()
		}
	}
}
