package testclient

import (
	"strconv"
	"time"
)

// Config is an opaque key/value configuration surface consumed as strings.
type Config map[string]string

// Configuration keys understood by the client.
const (
	KeyBootstrapServers  = "bootstrap.servers"
	KeySocketTimeoutMs   = "socket.timeout.ms"
	KeySocketMaxFails    = "socket.max.fails"
	KeyRetryBackoffMs    = "retry.backoff.ms"
	KeyAPIVersionRequest = "api.version.request"
	KeySASLUsername      = "sasl.username"
	KeySASLPassword      = "sasl.password"
)

func (c Config) str(key, def string) string {
	if v, ok := c[key]; ok {
		return v
	}
	return def
}

func (c Config) millis(key string, def time.Duration) time.Duration {
	v, ok := c[key]
	if !ok {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) count(key string, def int) int {
	v, ok := c[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func (c Config) flag(key string, def bool) bool {
	v, ok := c[key]
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
