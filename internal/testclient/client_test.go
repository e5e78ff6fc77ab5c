package testclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/sockjam"
	"github.com/opd-ai/sockjam/broker"
	"github.com/opd-ai/sockjam/vsock"
)

func startBroker(t *testing.T, cfg broker.Config) *broker.Broker {
	t.Helper()
	b, err := broker.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

func TestMetadataLookup(t *testing.T) {
	b := startBroker(t, broker.Config{Partitions: 3})

	client, err := New(Config{
		KeyBootstrapServers: b.Addr(),
		KeySocketTimeoutMs:  "500",
	}, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	topic := client.Topic("orders")
	md, err := topic.Metadata(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "orders", md.Topic)
	assert.Equal(t, 3, md.Partitions)
}

func TestBackgroundConnectInvokesHook(t *testing.T) {
	b := startBroker(t, broker.Config{})

	seen := make(chan *vsock.Socket, 1)
	hook := func(sk *vsock.Socket, addr string) error {
		select {
		case seen <- sk:
		default:
		}
		return nil
	}

	client, err := New(Config{KeyBootstrapServers: b.Addr()}, hook, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case sk := <-seen:
		assert.Equal(t, b.Addr(), sk.ID())
	case <-time.After(2 * time.Second):
		t.Fatal("connect hook was not invoked without a request being issued")
	}
}

func TestAuthenticationFailure(t *testing.T) {
	hash, err := broker.HashPassword("hunter2")
	require.NoError(t, err)
	b := startBroker(t, broker.Config{Username: "tester", PasswordHash: hash})

	client, err := New(Config{
		KeyBootstrapServers: b.Addr(),
		KeySocketTimeoutMs:  "200",
		KeyRetryBackoffMs:   "50",
		KeySASLUsername:     "tester",
		KeySASLPassword:     "wrong",
	}, nil, nil)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Topic("orders").Metadata(context.Background(), 400*time.Millisecond)
	require.ErrorIs(t, err, sockjam.ErrAuthentication)
}

func TestFatalClassifierAbortsRetries(t *testing.T) {
	hash, err := broker.HashPassword("hunter2")
	require.NoError(t, err)
	b := startBroker(t, broker.Config{Username: "tester", PasswordHash: hash})

	calls := 0
	isFatal := func(err error) bool {
		calls++
		return true
	}

	client, err := New(Config{
		KeyBootstrapServers: b.Addr(),
		KeySocketTimeoutMs:  "200",
		KeyRetryBackoffMs:   "50",
		KeySASLUsername:     "tester",
		KeySASLPassword:     "wrong",
	}, nil, isFatal)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Topic("orders").Metadata(context.Background(), 2*time.Second)
	require.Error(t, err)
	assert.Equal(t, 1, calls, "a fatal error must not be retried")
}

func TestTimeoutAndRecovery(t *testing.T) {
	b := startBroker(t, broker.Config{})

	seen := make(chan *vsock.Socket, 1)
	hook := func(sk *vsock.Socket, addr string) error {
		select {
		case seen <- sk:
		default:
		}
		return nil
	}

	client, err := New(Config{
		KeyBootstrapServers: b.Addr(),
		KeySocketTimeoutMs:  "100",
		KeyRetryBackoffMs:   "50",
		KeySocketMaxFails:   "10",
	}, hook, nil)
	require.NoError(t, err)
	defer client.Close()

	topic := client.Topic("orders")

	_, err = topic.Metadata(context.Background(), time.Second)
	require.NoError(t, err, "undelayed baseline lookup should succeed")

	var sk *vsock.Socket
	select {
	case sk = <-seen:
	case <-time.After(2 * time.Second):
		t.Fatal("no socket captured")
	}

	require.NoError(t, sk.Set(vsock.PropDelay, 400, nil))
	_, err = topic.Metadata(context.Background(), 300*time.Millisecond)
	require.ErrorIs(t, err, sockjam.ErrRequestTimedOut)

	require.NoError(t, sk.Set(vsock.PropDelay, 0, nil))
	_, err = topic.Metadata(context.Background(), time.Second)
	require.NoError(t, err, "lookup should recover once the delay is lifted")
}

func TestConfigDefaults(t *testing.T) {
	conf := Config{
		KeySocketTimeoutMs: "250",
		KeySocketMaxFails:  "junk",
		KeyRetryBackoffMs:  "-5",
	}

	assert.Equal(t, 250*time.Millisecond, conf.millis(KeySocketTimeoutMs, time.Second))
	assert.Equal(t, 3, conf.count(KeySocketMaxFails, 3))
	assert.Equal(t, 100*time.Millisecond, conf.millis(KeyRetryBackoffMs, 100*time.Millisecond))
	assert.True(t, conf.flag(KeyAPIVersionRequest, true))
	assert.Equal(t, "", conf.str(KeySASLUsername, ""))
}
