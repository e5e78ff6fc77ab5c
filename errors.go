package sockjam

import (
	"errors"
	"fmt"
)

// Common errors for the latency-injection harness
var (
	// ErrTransport indicates a low-level transport failure on the broker connection
	ErrTransport = errors.New("transport failure")

	// ErrAllBrokersDown indicates no broker connection could be established
	ErrAllBrokersDown = errors.New("all brokers down")

	// ErrAuthentication indicates the broker rejected the client's credentials
	ErrAuthentication = errors.New("authentication failed")

	// ErrRequestTimedOut indicates a request exceeded its deadline
	ErrRequestTimedOut = errors.New("request timed out")

	// ErrConnectionRefused indicates the gatekeeper rejected a connection attempt
	ErrConnectionRefused = errors.New("connection refused")

	// ErrNoBoundSocket indicates no virtual socket has been bound yet
	ErrNoBoundSocket = errors.New("no bound socket")

	// ErrConnectWait indicates the wait for the first connection exceeded its bound
	ErrConnectWait = errors.New("wait for first connection exceeded bound")

	// ErrAckTimeout indicates a blocking delay request was never acknowledged
	ErrAckTimeout = errors.New("delay acknowledgment timed out")
)

// HarnessError represents an error with additional harness context
type HarnessError struct {
	Op   string // operation that caused the error
	Addr string // address if relevant
	Err  error  // underlying error
}

func (e *HarnessError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("sockjam %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("sockjam %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As chains.
func (e *HarnessError) Unwrap() error {
	return e.Err
}
