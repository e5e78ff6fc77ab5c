package testclient

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sockjam"
	"github.com/opd-ai/sockjam/broker"
	"github.com/opd-ai/sockjam/vsock"
)

const (
	defaultSocketTimeout = time.Second
	defaultMaxFails      = 3
	defaultRetryBackoff  = 100 * time.Millisecond

	dialTimeout          = 5 * time.Second
	connectRetryInterval = 250 * time.Millisecond
)

// Metadata is the result of a topic metadata lookup.
type Metadata struct {
	Topic      string
	Partitions int
}

// Client is a minimal retrying metadata client. All broker connections go
// through the vsock shim so an injected connect hook observes every attempt.
type Client struct {
	servers       string
	socketTimeout time.Duration
	maxFails      int
	backoff       time.Duration
	apiVersion    bool
	username      string
	password      string

	dialer  vsock.Dialer
	isFatal func(error) bool

	mu    sync.Mutex
	conn  net.Conn
	br    *bufio.Reader
	corr  uint32
	fails int

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a client from an opaque configuration, a connect hook invoked
// per connection attempt, and a fatal-error classifier consulted before a
// failed request is retried. The client begins connecting in the background
// immediately, so a harness waiting on its connect hook sees the first
// attempt without any request being issued.
func New(conf Config, hook vsock.ConnectHook, isFatal func(error) bool) (*Client, error) {
	servers := conf.str(KeyBootstrapServers, "")
	if servers == "" {
		return nil, errors.New("testclient: " + KeyBootstrapServers + " is required")
	}

	c := &Client{
		servers:       servers,
		socketTimeout: conf.millis(KeySocketTimeoutMs, defaultSocketTimeout),
		maxFails:      conf.count(KeySocketMaxFails, defaultMaxFails),
		backoff:       conf.millis(KeyRetryBackoffMs, defaultRetryBackoff),
		apiVersion:    conf.flag(KeyAPIVersionRequest, true),
		username:      conf.str(KeySASLUsername, ""),
		password:      conf.str(KeySASLPassword, ""),
		dialer:        vsock.Dialer{Hook: hook, Timeout: dialTimeout},
		isFatal:       isFatal,
		closed:        make(chan struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function":       "testclient.New",
		"servers":        servers,
		"socket_timeout": c.socketTimeout.String(),
		"max_fails":      c.maxFails,
		"retry_backoff":  c.backoff.String(),
	}).Info("Creating client")

	c.wg.Add(1)
	go c.connector()

	return c, nil
}

// Topic returns a handle bound to one topic name.
func (c *Client) Topic(name string) *Topic {
	return &Topic{client: c, name: name}
}

// Close tears the client down: the background connector is stopped and the
// broker connection is closed. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
	c.wg.Wait()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropConnLocked()
	return nil
}

// connector establishes the initial broker connection in the background,
// the way a real client begins connecting as soon as it is created.
func (c *Client) connector() {
	defer c.wg.Done()

	ticker := time.NewTicker(connectRetryInterval)
	defer ticker.Stop()

	for {
		c.mu.Lock()
		err := c.ensureConnLocked()
		c.mu.Unlock()
		if err == nil {
			return
		}

		logrus.WithFields(logrus.Fields{
			"function": "Client.connector",
			"error":    err.Error(),
		}).Debug("Initial connect attempt failed")

		select {
		case <-c.closed:
			return
		case <-ticker.C:
		}
	}
}

// ensureConnLocked dials and handshakes if no connection is up.
func (c *Client) ensureConnLocked() error {
	if c.conn != nil {
		return nil
	}

	conn, err := c.dialer.Dial("tcp", c.servers)
	if err != nil {
		// Dial failures, gatekeeper refusals included, are connectivity
		// errors the retry loop is expected to ride out.
		return fmt.Errorf("%w: %v", sockjam.ErrAllBrokersDown, err)
	}

	c.conn = conn
	c.br = bufio.NewReader(conn)
	c.fails = 0

	if err := c.handshakeLocked(); err != nil {
		c.dropConnLocked()
		return err
	}
	return nil
}

// handshakeLocked runs the optional per-connection negotiation steps:
// credential presentation and protocol version exchange.
func (c *Client) handshakeLocked() error {
	deadline := time.Now().Add(c.socketTimeout)

	if c.username != "" {
		payload := append([]byte(c.username), 0)
		payload = append(payload, c.password...)
		resp, err := c.roundTripLocked(broker.OpAuth, payload, deadline)
		if err != nil {
			return err
		}
		if resp.Code != broker.StatusOK {
			return fmt.Errorf("broker auth: %w", sockjam.ErrAuthentication)
		}
	}

	if c.apiVersion {
		resp, err := c.roundTripLocked(broker.OpVersion, nil, deadline)
		if err != nil {
			return err
		}
		if resp.Code != broker.StatusOK {
			return fmt.Errorf("version negotiation rejected: status 0x%02x", resp.Code)
		}
	}

	return nil
}

// roundTripLocked issues one request frame and reads frames until the
// matching correlation id arrives. Responses to earlier timed-out attempts
// are discarded.
func (c *Client) roundTripLocked(op byte, payload []byte, deadline time.Time) (broker.Frame, error) {
	conn := c.conn
	c.corr++
	corr := c.corr

	_ = conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	if err := broker.WriteFrame(conn, broker.Frame{Code: op, CorrID: corr, Payload: payload}); err != nil {
		return broker.Frame{}, classify(err)
	}

	for {
		resp, err := broker.ReadFrame(c.br)
		if err != nil {
			return broker.Frame{}, classify(err)
		}
		if resp.CorrID != corr {
			logrus.WithFields(logrus.Fields{
				"function": "Client.roundTripLocked",
				"want":     corr,
				"got":      resp.CorrID,
			}).Debug("Discarding stale response")
			continue
		}
		return resp, nil
	}
}

// classify maps connection-level errors into the harness error taxonomy.
func classify(err error) error {
	var nerr net.Error
	if errors.Is(err, os.ErrDeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %v", sockjam.ErrRequestTimedOut, err)
	}
	return fmt.Errorf("%w: %v", sockjam.ErrTransport, err)
}

// metadata looks up topic metadata, retrying with backoff until the outer
// deadline. Each attempt is bounded by the socket timeout; errors the
// classifier deems fatal abort the loop immediately.
func (c *Client) metadata(ctx context.Context, topic string, timeout time.Duration) (*Metadata, error) {
	deadline := time.Now().Add(timeout)

	var lastErr error
	for attempt := 1; time.Now().Before(deadline); attempt++ {
		md, err := c.tryMetadata(topic, deadline)
		if err == nil {
			logrus.WithFields(logrus.Fields{
				"function": "Client.metadata",
				"topic":    topic,
				"attempt":  attempt,
			}).Info("Metadata request succeeded")
			return md, nil
		}
		lastErr = err

		logrus.WithFields(logrus.Fields{
			"function": "Client.metadata",
			"topic":    topic,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Info("Metadata attempt failed")

		if c.isFatal != nil && c.isFatal(err) {
			return nil, err
		}
		if err := c.sleepBackoff(ctx, deadline); err != nil {
			return nil, err
		}
	}

	if lastErr == nil {
		lastErr = sockjam.ErrRequestTimedOut
	}
	return nil, fmt.Errorf("metadata %s: %w", topic, lastErr)
}

// tryMetadata performs a single metadata attempt on the shared connection.
func (c *Client) tryMetadata(topic string, outer time.Time) (*Metadata, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureConnLocked(); err != nil {
		return nil, err
	}

	attemptDeadline := time.Now().Add(c.socketTimeout)
	if attemptDeadline.After(outer) {
		attemptDeadline = outer
	}

	resp, err := c.roundTripLocked(broker.OpMetadata, []byte(topic), attemptDeadline)
	if err != nil {
		c.noteFailureLocked(err)
		return nil, err
	}

	switch resp.Code {
	case broker.StatusOK:
	case broker.StatusAuthFailed, broker.StatusAuthRequired:
		return nil, fmt.Errorf("metadata: %w", sockjam.ErrAuthentication)
	default:
		return nil, fmt.Errorf("metadata rejected: status 0x%02x", resp.Code)
	}

	if len(resp.Payload) < 4 {
		return nil, fmt.Errorf("%w: short metadata payload", sockjam.ErrTransport)
	}

	c.fails = 0
	return &Metadata{
		Topic:      string(resp.Payload[4:]),
		Partitions: int(binary.BigEndian.Uint32(resp.Payload[:4])),
	}, nil
}

// noteFailureLocked counts a request failure. A transport-level failure
// poisons the connection immediately; timeouts only drop it once the
// failure threshold is reached.
func (c *Client) noteFailureLocked(err error) {
	c.fails++
	if errors.Is(err, sockjam.ErrTransport) || c.fails >= c.maxFails {
		logrus.WithFields(logrus.Fields{
			"function": "Client.noteFailureLocked",
			"fails":    c.fails,
			"error":    err.Error(),
		}).Info("Dropping broker connection")
		c.dropConnLocked()
	}
}

func (c *Client) dropConnLocked() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.br = nil
	c.fails = 0
}

// sleepBackoff waits one retry backoff, truncated at the outer deadline.
func (c *Client) sleepBackoff(ctx context.Context, deadline time.Time) error {
	wait := c.backoff
	if remain := time.Until(deadline); remain < wait {
		wait = remain
	}
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return net.ErrClosed
	}
}

// Topic is a handle bound to one topic name.
type Topic struct {
	client *Client
	name   string
}

// Name returns the topic name.
func (t *Topic) Name() string {
	return t.name
}

// Metadata looks up the topic's metadata within timeout.
func (t *Topic) Metadata(ctx context.Context, timeout time.Duration) (*Metadata, error) {
	return t.client.metadata(ctx, t.name, timeout)
}

// RequestMetadata issues a metadata lookup and reports only its outcome,
// which is the observation the harness driver asserts on.
func (t *Topic) RequestMetadata(ctx context.Context, timeout time.Duration) error {
	_, err := t.Metadata(ctx, timeout)
	return err
}

// Close releases the topic's client. The driver tears down topic and client
// together, so the topic handle owns that step.
func (t *Topic) Close() error {
	return t.client.Close()
}
