package sockjam

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sockjam/vsock"
)

func pipeSocket(t *testing.T, id string) *vsock.Socket {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() {
		c1.Close()
		c2.Close()
	})
	return vsock.New(c1, id)
}

func TestGatekeeperAcceptsOnlyFirstConnection(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	first := pipeSocket(t, "first")
	second := pipeSocket(t, "second")

	require.NoError(t, ctrl.Connect(first, "broker-1"))
	require.ErrorIs(t, ctrl.Connect(second, "broker-1"), ErrConnectionRefused)
	require.ErrorIs(t, ctrl.Connect(first, "broker-1"), ErrConnectionRefused,
		"even the bound socket must be refused on a second attempt")

	assert.Same(t, first, ctrl.Socket(), "bound socket must never be reassigned")
}

func TestWaitConnectedReturnsBoundSocket(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	sk := pipeSocket(t, "first")
	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = ctrl.Connect(sk, "broker-1")
	}()

	got, err := ctrl.WaitConnected(2 * time.Second)
	require.NoError(t, err)
	assert.Same(t, sk, got)
}

func TestWaitConnectedExceedsBound(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	_, err := ctrl.WaitConnected(50 * time.Millisecond)
	require.ErrorIs(t, err, ErrConnectWait)
}

func TestImmediateDelayVisibleOnReturn(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	sk := pipeSocket(t, "first")
	require.NoError(t, ctrl.Connect(sk, "broker-1"))
	ctrl.Start()

	require.NoError(t, ctrl.ScheduleDelay(0, 75*time.Millisecond))
	assert.Equal(t, 75*time.Millisecond, sk.Delay(),
		"delay must be in effect before the blocking call returns")
}

func TestScheduledDelayNotAppliedEarly(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	sk := pipeSocket(t, "first")
	require.NoError(t, ctrl.Connect(sk, "broker-1"))
	ctrl.Start()

	require.NoError(t, ctrl.ScheduleDelay(150*time.Millisecond, 30*time.Millisecond))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, time.Duration(0), sk.Delay(),
		"delay must not be applied before its activation time")

	assert.Eventually(t, func() bool {
		return sk.Delay() == 30*time.Millisecond
	}, time.Second, 10*time.Millisecond,
		"delay must be applied shortly after its activation time")
}

func TestScheduleOverwritesPendingChange(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	sk := pipeSocket(t, "first")
	require.NoError(t, ctrl.Connect(sk, "broker-1"))
	ctrl.Start()

	// A far-future change superseded by an immediate one: only the
	// immediate value may ever be observed.
	require.NoError(t, ctrl.ScheduleDelay(time.Hour, 999*time.Millisecond))
	require.NoError(t, ctrl.ScheduleDelay(0, 40*time.Millisecond))

	assert.Equal(t, 40*time.Millisecond, sk.Delay())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, sk.Delay())
}

func TestAckBoundWithoutScheduler(t *testing.T) {
	ctrl := NewControl()
	ctrl.ackBound = 100 * time.Millisecond
	defer ctrl.Stop()

	sk := pipeSocket(t, "first")
	require.NoError(t, ctrl.Connect(sk, "broker-1"))

	// Scheduler never started: the blocking variant must give up at its
	// bound instead of hanging.
	err := ctrl.ScheduleDelay(0, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrAckTimeout)
}

func TestStopIsIdempotentAndBounded(t *testing.T) {
	ctrl := NewControl()
	ctrl.Start()

	done := make(chan struct{})
	go func() {
		ctrl.Stop()
		ctrl.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not complete in bounded time")
	}
}

func TestStopWithoutStart(t *testing.T) {
	ctrl := NewControl()

	done := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop without start did not return")
	}
}

func TestStartIsSpawnedExactlyOnce(t *testing.T) {
	ctrl := NewControl()
	defer ctrl.Stop()

	sk := pipeSocket(t, "first")
	require.NoError(t, ctrl.Connect(sk, "broker-1"))

	ctrl.Start()
	ctrl.Start()
	ctrl.Start()

	require.NoError(t, ctrl.ScheduleDelay(0, 10*time.Millisecond))
	assert.Equal(t, 10*time.Millisecond, sk.Delay())
}
