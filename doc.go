// Package sockjam implements a timed latency-injection harness for verifying
// that a broker client retries a metadata request when its transport turns
// slow, and recovers once the slowness is lifted.
//
// # Architecture
//
// The harness is built around a Control record owning exactly one logical
// connection for the lifetime of a run:
//
//   - Connection gatekeeper: Control.Connect accepts the first connection
//     attempt, binds its virtual socket, and refuses every later attempt
//     with ErrConnectionRefused.
//   - Delay scheduler: a background goroutine started by Control.Start that
//     applies a pending delay to the bound socket once the scheduled
//     activation time has passed.
//   - Driver: the foreground orchestration that waits for the first
//     connection, confirms baseline connectivity, injects a delay, schedules
//     its removal timed to straddle two client retry cycles, and asserts the
//     client's second request ultimately succeeds.
//
// # Usage
//
//	ctrl := sockjam.NewControl()
//	client, _ := testclient.New(conf, ctrl.Connect, sockjam.IsFatalError)
//	drv := sockjam.NewDriver(ctrl, client.Topic(topic), sockjam.Config{
//	    SocketTimeout: time.Second,
//	    RetryBackoff:  5 * time.Second,
//	    InjectDelay:   3 * time.Second,
//	})
//	report, err := drv.Run(context.Background())
//
// The client under test is a black box reached only through the connect hook
// and the fatal-error classifier; the harness never drives its retry logic
// directly. Delay values are applied through the vsock package's generic
// property surface and consumed by the virtual socket's read path.
//
// # Concurrency
//
// Two goroutines cooperate besides the client's own: the driver (sequential)
// and the scheduler (loop). The connect hook runs on whichever goroutine the
// client dials from and holds the control lock only for a short critical
// section. All mutations of the pending change (activation time, delay,
// acknowledgment) happen as one unit under the lock, so the scheduler never
// observes a half-updated pair. Termination is cooperative and idempotent.
package sockjam
