package broker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialBroker(t *testing.T, b *Broker) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", b.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func roundTrip(t *testing.T, conn net.Conn, req Frame) Frame {
	t.Helper()
	require.NoError(t, WriteFrame(conn, req))
	resp, err := ReadFrame(conn)
	require.NoError(t, err)
	return resp
}

func TestMetadataAutoCreatesTopic(t *testing.T) {
	b, err := New(Config{Partitions: 4})
	require.NoError(t, err)
	defer b.Close()

	conn := dialBroker(t, b)
	resp := roundTrip(t, conn, Frame{Code: OpMetadata, CorrID: 7, Payload: []byte("orders")})

	assert.Equal(t, byte(StatusOK), resp.Code)
	assert.Equal(t, uint32(7), resp.CorrID)
	require.GreaterOrEqual(t, len(resp.Payload), 4)
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(resp.Payload[:4]))
	assert.Equal(t, "orders", string(resp.Payload[4:]))
}

func TestMetadataRejectsEmptyTopic(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	conn := dialBroker(t, b)
	resp := roundTrip(t, conn, Frame{Code: OpMetadata, CorrID: 1})
	assert.Equal(t, byte(StatusBadRequest), resp.Code)
}

func TestVersionExchange(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	conn := dialBroker(t, b)
	resp := roundTrip(t, conn, Frame{Code: OpVersion, CorrID: 2})

	assert.Equal(t, byte(StatusOK), resp.Code)
	assert.Equal(t, []byte{ProtocolVersion, ProtocolVersion}, resp.Payload)
}

func TestUnknownOpcode(t *testing.T) {
	b, err := New(Config{})
	require.NoError(t, err)
	defer b.Close()

	conn := dialBroker(t, b)
	resp := roundTrip(t, conn, Frame{Code: 0x7f, CorrID: 3})
	assert.Equal(t, byte(StatusBadRequest), resp.Code)
}

func TestAuthentication(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)

	b, err := New(Config{Username: "tester", PasswordHash: hash})
	require.NoError(t, err)
	defer b.Close()

	t.Run("metadata before auth is refused", func(t *testing.T) {
		conn := dialBroker(t, b)
		resp := roundTrip(t, conn, Frame{Code: OpMetadata, CorrID: 1, Payload: []byte("orders")})
		assert.Equal(t, byte(StatusAuthRequired), resp.Code)
	})

	t.Run("wrong password is rejected", func(t *testing.T) {
		conn := dialBroker(t, b)
		resp := roundTrip(t, conn, Frame{Code: OpAuth, CorrID: 1, Payload: []byte("tester\x00wrong")})
		assert.Equal(t, byte(StatusAuthFailed), resp.Code)
	})

	t.Run("valid credentials unlock metadata", func(t *testing.T) {
		conn := dialBroker(t, b)

		resp := roundTrip(t, conn, Frame{Code: OpAuth, CorrID: 1, Payload: []byte("tester\x00hunter2")})
		require.Equal(t, byte(StatusOK), resp.Code)

		resp = roundTrip(t, conn, Frame{Code: OpMetadata, CorrID: 2, Payload: []byte("orders")})
		assert.Equal(t, byte(StatusOK), resp.Code)
	})
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		var length [4]byte
		binary.BigEndian.PutUint32(length[:], maxFrameSize+1)
		_, _ = c2.Write(length[:])
	}()

	_ = c1.SetDeadline(time.Now().Add(2 * time.Second))
	_, err := ReadFrame(c1)
	assert.Error(t, err)
}
