// Package testclient provides a deliberately small retrying metadata client
// used to exercise the latency-injection harness. It stands in for the real
// client under test: it dials through the vsock shim so the harness's
// connect hook sees every connection attempt, times requests out against a
// per-attempt socket timeout, backs off between retries, and consults an
// injected fatal-error classifier before retrying.
//
// Configuration is an opaque key/value surface in the style of a broker
// client: "bootstrap.servers", "socket.timeout.ms", "socket.max.fails",
// "retry.backoff.ms", "api.version.request", "sasl.username",
// "sasl.password". Unknown keys are ignored.
package testclient
