// Package broker implements a minimal in-process metadata broker for
// exercising the latency-injection harness end to end.
//
// The wire format is a length-prefixed binary frame: a 4-byte big-endian
// length, a 1-byte opcode (or status byte in responses), a 4-byte
// correlation id echoed back to the client, and an opcode-specific payload.
// Three operations are supported: credential presentation, version
// negotiation, and topic metadata lookup. Topics are auto-created on first
// lookup.
//
// When the broker is configured with credentials, the first frame of every
// connection must be a successful auth exchange; the password is verified
// against a bcrypt hash so no plaintext credential is held by the broker.
package broker
