package vsock

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// PropDelay is the added read latency in milliseconds.
const PropDelay = "delay"

// Socket wraps a net.Conn with fault-injection properties.
// It satisfies the net.Conn interface.
type Socket struct {
	conn net.Conn
	id   string

	mu           sync.RWMutex
	props        map[string]int
	readDeadline time.Time
}

// New wraps conn in a virtual socket identified by id.
func New(conn net.Conn, id string) *Socket {
	return &Socket{
		conn:  conn,
		id:    id,
		props: make(map[string]int),
	}
}

// ID returns the identifier the socket was created with, typically the
// remote broker address.
func (s *Socket) ID() string {
	return s.id
}

// Set updates a fault-injection property. The extra argument is reserved for
// property-specific options and is currently unused. Unknown property names
// are rejected.
func (s *Socket) Set(name string, value int, extra interface{}) error {
	switch name {
	case PropDelay:
	default:
		return fmt.Errorf("vsock: unknown property %q", name)
	}
	if value < 0 {
		return fmt.Errorf("vsock: property %q cannot be negative: %d", name, value)
	}

	s.mu.Lock()
	s.props[name] = value
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Socket.Set",
		"socket":   s.id,
		"property": name,
		"value":    value,
	}).Info("Virtual socket property updated")

	return nil
}

// Delay returns the currently configured added read latency.
func (s *Socket) Delay() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.props[PropDelay]) * time.Millisecond
}

// Read defers by the configured delay before reading from the underlying
// connection. If the read deadline falls inside the delay window the read
// fails with os.ErrDeadlineExceeded at the deadline, matching what a real
// slow link looks like to a caller with a timeout.
func (s *Socket) Read(b []byte) (int, error) {
	if err := s.waitDelay(); err != nil {
		return 0, err
	}
	return s.conn.Read(b)
}

// waitDelay sleeps for the configured delay, truncated at the read deadline.
func (s *Socket) waitDelay() error {
	delay := s.Delay()
	if delay == 0 {
		return nil
	}

	s.mu.RLock()
	deadline := s.readDeadline
	s.mu.RUnlock()

	if !deadline.IsZero() {
		if remain := time.Until(deadline); remain < delay {
			if remain > 0 {
				time.Sleep(remain)
			}
			return os.ErrDeadlineExceeded
		}
	}

	time.Sleep(delay)
	return nil
}

// Write writes to the underlying connection without added latency.
func (s *Socket) Write(b []byte) (int, error) {
	return s.conn.Write(b)
}

// Close closes the underlying connection.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// LocalAddr returns the local address of the underlying connection.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// RemoteAddr returns the remote address of the underlying connection.
func (s *Socket) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// SetDeadline sets both read and write deadlines.
func (s *Socket) SetDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return s.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline, which also bounds the injected
// delay window.
func (s *Socket) SetReadDeadline(t time.Time) error {
	s.mu.Lock()
	s.readDeadline = t
	s.mu.Unlock()
	return s.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (s *Socket) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}
