//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Epoll multiplexes read readiness across every realtime connection through a
// single kernel interest list. A presence server holds many mostly-idle
// sockets (users online but not chatting), so the server pays for readiness
// notifications instead of a blocked goroutine per connection.
type Epoll struct {
	fd    int               // epoll file descriptor
	conns map[int]net.Conn  // socket fd -> net.Conn
	mu    sync.RWMutex      // protects conns
	ready []unix.EpollEvent // reusable event buffer for Wait
}

// NewEpoll creates an epoll instance via epoll_create1.
func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoll{
		fd:    fd,
		conns: make(map[int]net.Conn),
		ready: make([]unix.EpollEvent, 128),
	}, nil
}

// Add places a connection on the interest list for read readiness and hangup
// notifications, keyed by its socket file descriptor.
func (e *Epoll) Add(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	e.mu.Lock()
	e.conns[fd] = conn
	e.mu.Unlock()
	return nil
}

// Remove takes a connection off the interest list and drops it from the fd
// map. Called on every disconnect path before the connection closes.
func (e *Epoll) Remove(conn net.Conn) error {
	fd := socketFD(conn)
	if err := unix.EpollCtl(e.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conns, fd)
	e.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered connection has pending data and
// returns those connections. A connection removed between epoll_wait
// returning and the map lookup is skipped; its teardown already ran.
func (e *Epoll) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(e.fd, e.ready, -1)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	conns := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if conn, ok := e.conns[int(e.ready[i].Fd)]; ok {
			conns = append(conns, conn)
		}
	}
	e.mu.RUnlock()
	return conns, nil
}

// Close releases the epoll file descriptor.
func (e *Epoll) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.conns = nil
	return unix.Close(e.fd)
}

// socketFD extracts the file descriptor from a net.Conn through SyscallConn.
// Unlike File(), this does not duplicate the descriptor, so the fd registered
// with epoll stays the one the connection reads on.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	var fd int
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
