package sockjam

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/sockjam/vsock"
)

const (
	// defaultPollInterval is how often the scheduler re-checks the pending
	// activation time between explicit wakeups.
	defaultPollInterval = 10 * time.Millisecond

	// defaultAckBound bounds the blocking wait for an immediate delay to be
	// acknowledged. Exceeding it means the scheduler is wedged or was never
	// started.
	defaultAckBound = 10 * time.Second
)

// pendingChange is the atomic unit of a scheduled socket mutation: the
// activation time, the delay to apply, and the acknowledgment channel closed
// once the change has actually been applied.
type pendingChange struct {
	at    time.Time
	delay time.Duration
	ack   chan struct{}
}

// Control owns the shared state of one harness run: the single bound virtual
// socket, the pending delay change, and the scheduler goroutine. A Control
// is built for exactly one run and must not be reused.
type Control struct {
	clock    TimeProvider
	poll     time.Duration
	ackBound time.Duration

	mu      sync.Mutex
	sock    *vsock.Socket
	pending *pendingChange

	connected chan struct{} // closed once the first socket is bound
	wake      chan struct{} // nudges the scheduler, capacity 1
	done      chan struct{} // closed on Stop

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewControl creates a Control with real time and default intervals.
func NewControl() *Control {
	return &Control{
		clock:     RealTimeProvider{},
		poll:      defaultPollInterval,
		ackBound:  defaultAckBound,
		connected: make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Connect is the connection gatekeeper, wired as the client's connect hook.
// The first attempt binds its socket and wakes every waiter; all later
// attempts are refused so the run plays with exactly one connection.
func (c *Control) Connect(sk *vsock.Socket, addr string) error {
	c.mu.Lock()
	if c.sock != nil {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Control.Connect",
			"addr":     addr,
		}).Info("Refusing connection, socket already bound")
		return ErrConnectionRefused
	}
	c.sock = sk
	close(c.connected)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Control.Connect",
		"addr":     addr,
	}).Info("Bound first virtual socket")

	c.nudge()
	return nil
}

// Socket returns the bound virtual socket, or nil before the first
// accepted connection.
func (c *Control) Socket() *vsock.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock
}

// WaitConnected blocks until the gatekeeper has accepted a connection,
// bounded by timeout.
func (c *Control) WaitConnected(timeout time.Duration) (*vsock.Socket, error) {
	timer := c.clock.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-c.connected:
		return c.Socket(), nil
	case <-timer.C:
		return nil, &HarnessError{Op: "wait-connect", Err: ErrConnectWait}
	}
}

// Start spawns the delay scheduler goroutine. It is safe to call more than
// once; the scheduler is spawned exactly once.
func (c *Control) Start() {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run()
	})
}

// Stop terminates the scheduler and waits for it to exit. It is idempotent
// and completes in bounded time even if Start was never called.
func (c *Control) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// nudge wakes the scheduler without blocking; a nudge already in flight is
// enough.
func (c *Control) nudge() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// run is the scheduler loop: wake on nudge or on the polling tick, apply the
// pending change once its activation time has passed, exit on termination.
func (c *Control) run() {
	defer c.wg.Done()

	logrus.WithFields(logrus.Fields{
		"function": "Control.run",
		"poll":     c.poll.String(),
	}).Debug("Delay scheduler started")

	ticker := c.clock.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			logrus.WithField("function", "Control.run").Debug("Delay scheduler stopped")
			return
		case <-c.wake:
		case <-ticker.C:
		}
		c.applyDue()
	}
}

// applyDue applies the pending delay if its activation time has passed.
// A due change with no bound socket is a harness invariant violation: the
// run cannot proceed meaningfully, so it aborts rather than recovers.
func (c *Control) applyDue() {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending
	if p == nil || c.clock.Now().Before(p.at) {
		return
	}
	if c.sock == nil {
		panic((&HarnessError{Op: "apply-delay", Err: ErrNoBoundSocket}).Error())
	}

	logrus.WithFields(logrus.Fields{
		"function": "Control.applyDue",
		"delay_ms": p.delay.Milliseconds(),
	}).Info("Applying socket delay")

	if err := c.sock.Set(vsock.PropDelay, int(p.delay.Milliseconds()), nil); err != nil {
		panic("sockjam: failed to apply delay: " + err.Error())
	}

	c.pending = nil
	close(p.ack)
}

// ScheduleDelay schedules delay to be applied to the bound socket once the
// given duration has elapsed. With after == 0 the call blocks until the
// scheduler has applied the change, so the delay is guaranteed in effect
// when it returns; with after > 0 it returns immediately, letting the change
// race with the client's own retry timer.
func (c *Control) ScheduleDelay(after, delay time.Duration) error {
	logrus.WithFields(logrus.Fields{
		"function": "Control.ScheduleDelay",
		"after_ms": after.Milliseconds(),
		"delay_ms": delay.Milliseconds(),
	}).Info("Scheduling socket delay")

	c.mu.Lock()
	p := &pendingChange{
		at:    c.clock.Now().Add(after),
		delay: delay,
		ack:   make(chan struct{}),
	}
	c.pending = p
	c.mu.Unlock()

	c.nudge()

	if after > 0 {
		return nil
	}

	recheck := c.clock.NewTicker(time.Second)
	defer recheck.Stop()
	bound := c.clock.NewTimer(c.ackBound)
	defer bound.Stop()

	for {
		select {
		case <-p.ack:
			return nil
		case <-recheck.C:
			logrus.WithField("function", "Control.ScheduleDelay").
				Debug("Still waiting for delay acknowledgment")
		case <-bound.C:
			return &HarnessError{Op: "schedule-delay", Err: ErrAckTimeout}
		}
	}
}
