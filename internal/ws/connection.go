package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/loop-social/realtime/internal/identity"
)

// Connection represents a single WebSocket client connection with its
// authenticated owner and a write mutex for serializing outbound frames.
type Connection struct {
	ID         string       // connection ID (UUID)
	UserID     identity.ID  // authenticated owner, established at upgrade
	Conn       net.Conn     // underlying TCP connection
	Fd         int          // file descriptor for epoll lookups
	CreatedAt  time.Time    // when the connection was established
	lastPing   atomic.Int64 // unix nanos of the last client keepalive
	writeMu    sync.Mutex   // serializes writes to this connection
	processing int32        // atomic flag: 0 = idle, 1 = being read by handleConn
}

// TouchPing records a client keepalive. Read workers write it while the
// heartbeat goroutine reads it, so it is kept atomic.
func (c *Connection) TouchPing() {
	c.lastPing.Store(time.Now().UnixNano())
}

// LastPing returns the time of the most recent client keepalive.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, c.lastPing.Load())
}

// ConnID returns the connection's id. It satisfies registry.Conn.
func (c *Connection) ConnID() string {
	return c.ID
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe transport-level index that maps
// connection IDs and file descriptors to their Connection objects. It knows
// nothing about users; the registry owns the user -> connections mapping.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection // connection_id -> Connection
	byFd map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers a new connection in both the ID and fd lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
