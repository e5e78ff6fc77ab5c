package broker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// Config holds broker settings.
type Config struct {
	// Addr is the listen address. Empty means 127.0.0.1 on an ephemeral
	// port.
	Addr string

	// Username and PasswordHash enable authentication when both are set.
	// PasswordHash is a bcrypt hash, see HashPassword.
	Username     string
	PasswordHash []byte

	// Partitions is the partition count reported for auto-created topics.
	// Zero means one.
	Partitions int
}

// Broker is a minimal in-process metadata broker. It satisfies just enough
// of a broker's request path for the harness to have something real to
// degrade.
type Broker struct {
	cfg      Config
	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu     sync.Mutex
	topics map[string]int
	conns  map[net.Conn]struct{}
}

// New starts a broker listening per cfg.
func New(cfg Config) (*Broker, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("broker listen %s: %w", cfg.Addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		cfg:      cfg,
		listener: listener,
		ctx:      ctx,
		cancel:   cancel,
		topics:   make(map[string]int),
		conns:    make(map[net.Conn]struct{}),
	}

	logrus.WithFields(logrus.Fields{
		"function": "broker.New",
		"addr":     listener.Addr().String(),
		"auth":     cfg.Username != "",
	}).Info("Broker listening")

	b.wg.Add(1)
	go b.acceptConnections()

	return b, nil
}

// Addr returns the address the broker is listening on.
func (b *Broker) Addr() string {
	return b.listener.Addr().String()
}

// Close shuts the broker down, closing open connections, and waits for its
// connection handlers.
func (b *Broker) Close() error {
	b.cancel()
	err := b.listener.Close()

	b.mu.Lock()
	for conn := range b.conns {
		_ = conn.Close()
	}
	b.mu.Unlock()

	b.wg.Wait()
	return err
}

func (b *Broker) acceptConnections() {
	defer b.wg.Done()

	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ctx.Done():
				return
			default:
			}
			logrus.WithFields(logrus.Fields{
				"function": "Broker.acceptConnections",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		b.wg.Add(1)
		go b.handleConnection(conn)
	}
}

func (b *Broker) handleConnection(conn net.Conn) {
	defer b.wg.Done()
	defer conn.Close()

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
	}()

	remote := conn.RemoteAddr().String()
	logrus.WithFields(logrus.Fields{
		"function": "Broker.handleConnection",
		"remote":   remote,
	}).Debug("Connection accepted")

	authed := b.cfg.Username == ""

	for {
		req, err := ReadFrame(conn)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Broker.handleConnection",
				"remote":   remote,
				"error":    err.Error(),
			}).Debug("Connection closed")
			return
		}

		resp := b.handleRequest(req, &authed)
		if err := WriteFrame(conn, resp); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Broker.handleConnection",
				"remote":   remote,
				"error":    err.Error(),
			}).Warn("Response write failed")
			return
		}
	}
}

func (b *Broker) handleRequest(req Frame, authed *bool) Frame {
	switch req.Code {
	case OpAuth:
		return b.handleAuth(req, authed)
	case OpVersion:
		return Frame{
			Code:    StatusOK,
			CorrID:  req.CorrID,
			Payload: []byte{ProtocolVersion, ProtocolVersion},
		}
	case OpMetadata:
		if !*authed {
			return Frame{Code: StatusAuthRequired, CorrID: req.CorrID}
		}
		return b.handleMetadata(req)
	default:
		return Frame{Code: StatusBadRequest, CorrID: req.CorrID}
	}
}

func (b *Broker) handleAuth(req Frame, authed *bool) Frame {
	if b.cfg.Username == "" {
		// No credentials configured, any auth attempt passes.
		*authed = true
		return Frame{Code: StatusOK, CorrID: req.CorrID}
	}

	user, pass, ok := bytes.Cut(req.Payload, []byte{0})
	if !ok {
		return Frame{Code: StatusBadRequest, CorrID: req.CorrID}
	}

	if string(user) != b.cfg.Username ||
		bcrypt.CompareHashAndPassword(b.cfg.PasswordHash, pass) != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Broker.handleAuth",
			"username": string(user),
		}).Info("Authentication rejected")
		return Frame{Code: StatusAuthFailed, CorrID: req.CorrID}
	}

	*authed = true
	return Frame{Code: StatusOK, CorrID: req.CorrID}
}

// handleMetadata auto-creates the topic on first lookup and reports its
// partition count.
func (b *Broker) handleMetadata(req Frame) Frame {
	topic := string(req.Payload)
	if topic == "" {
		return Frame{Code: StatusBadRequest, CorrID: req.CorrID}
	}

	b.mu.Lock()
	partitions, exists := b.topics[topic]
	if !exists {
		partitions = b.cfg.Partitions
		b.topics[topic] = partitions
	}
	b.mu.Unlock()

	if !exists {
		logrus.WithFields(logrus.Fields{
			"function":   "Broker.handleMetadata",
			"topic":      topic,
			"partitions": partitions,
		}).Info("Topic auto-created")
	}

	payload := make([]byte, 4+len(topic))
	binary.BigEndian.PutUint32(payload[:4], uint32(partitions))
	copy(payload[4:], topic)

	return Frame{Code: StatusOK, CorrID: req.CorrID, Payload: payload}
}

// HashPassword returns a bcrypt hash suitable for Config.PasswordHash.
func HashPassword(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
}
