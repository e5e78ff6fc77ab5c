package broker

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Operation codes carried in request frames.
const (
	OpAuth     = 0x01 // payload: username, NUL, password
	OpVersion  = 0x02 // payload: empty; response: min and max protocol version
	OpMetadata = 0x03 // payload: topic name; response: partition count, topic
)

// Status codes carried in response frames.
const (
	StatusOK           = 0x00
	StatusAuthFailed   = 0x01
	StatusAuthRequired = 0x02
	StatusBadRequest   = 0x03
)

// ProtocolVersion is the single protocol version this broker speaks.
const ProtocolVersion = 1

// maxFrameSize bounds a frame body so a corrupt length prefix cannot make a
// reader allocate unbounded memory.
const maxFrameSize = 64 * 1024

// headerLen is opcode plus correlation id.
const headerLen = 5

// Frame is one request or response on the wire. Code is the opcode in
// requests and the status in responses.
type Frame struct {
	Code    byte
	CorrID  uint32
	Payload []byte
}

// WriteFrame serializes f to w as length, code, correlation id, payload.
func WriteFrame(w io.Writer, f Frame) error {
	body := make([]byte, headerLen+len(f.Payload))
	body[0] = f.Code
	binary.BigEndian.PutUint32(body[1:headerLen], f.CorrID)
	copy(body[headerLen:], f.Payload)

	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(body)))

	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r io.Reader) (Frame, error) {
	var length [4]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(length[:])
	if n < headerLen || n > maxFrameSize {
		return Frame{}, fmt.Errorf("invalid frame length %d", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	return Frame{
		Code:    body[0],
		CorrID:  binary.BigEndian.Uint32(body[1:headerLen]),
		Payload: body[headerLen:],
	}, nil
}
