// Package vsock provides a virtual socket shim interposed between a client
// and its real network connection, allowing latency injection for tests.
//
// A Socket wraps a net.Conn and satisfies net.Conn itself, so it can be
// handed to any code expecting an ordinary connection. Fault-injection knobs
// are exposed through a generic string-keyed property surface:
//
//	sk.Set("delay", 3000, nil) // add 3000ms of latency to the read path
//
// The "delay" property is the only one the harness controller uses; the shim
// consumes it by deferring reads, honoring any read deadline set on the
// socket so a delayed read still times out when the caller expects it to.
//
// A Dialer interposes a Socket on every outbound connection and invokes an
// optional ConnectHook once per attempt. A hook returning a non-nil error
// rejects the connection, which is how the harness restricts a run to one
// logical connection.
package vsock
