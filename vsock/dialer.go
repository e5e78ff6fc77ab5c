package vsock

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectHook is invoked once per connection attempt with the freshly
// created virtual socket and the dialed address. Returning a non-nil error
// rejects the attempt; the underlying connection is closed and the error is
// returned to the dialer's caller.
type ConnectHook func(sk *Socket, addr string) error

// Dialer establishes TCP connections wrapped in virtual sockets.
type Dialer struct {
	// Hook, if non-nil, is consulted for every connection attempt.
	Hook ConnectHook

	// Timeout bounds the dial itself. Zero means no timeout.
	Timeout time.Duration
}

// Dial connects to addr, interposes a virtual socket, and runs the connect
// hook. The returned connection is a *Socket.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Dialer.Dial",
		"network":  network,
		"addr":     addr,
	}).Debug("Dialing with virtual socket shim")

	conn, err := net.DialTimeout(network, addr, d.Timeout)
	if err != nil {
		return nil, fmt.Errorf("vsock dial %s: %w", addr, err)
	}

	sk := New(conn, addr)
	if d.Hook != nil {
		if err := d.Hook(sk, addr); err != nil {
			_ = conn.Close()
			logrus.WithFields(logrus.Fields{
				"function": "Dialer.Dial",
				"addr":     addr,
				"error":    err.Error(),
			}).Info("Connect hook rejected connection")
			return nil, err
		}
	}

	return sk, nil
}
