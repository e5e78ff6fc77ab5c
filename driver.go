package sockjam

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Client is the surface the driver needs from the client under test: issue a
// metadata request bounded by a deadline, and release resources at teardown.
// The harness never looks inside the client; success or failure of the
// request is the whole observation.
type Client interface {
	RequestMetadata(ctx context.Context, timeout time.Duration) error
	Close() error
}

// Config holds the timing parameters of one harness run.
type Config struct {
	// SocketTimeout is the client's per-request timeout. It must be short
	// relative to RetryBackoff so each retry cycle is dominated by backoff.
	SocketTimeout time.Duration

	// RetryBackoff is the client's wait between a failed attempt and its
	// retry, on the order of several seconds at full scale.
	RetryBackoff time.Duration

	// InjectDelay is the artificial latency applied to the bound socket. It
	// must exceed SocketTimeout so delayed requests time out.
	InjectDelay time.Duration

	// Margin is the safety margin subtracted from the delay-removal time and
	// added to the outer request deadline.
	Margin time.Duration

	// ConnectWait bounds the wait for the gatekeeper to observe the first
	// connection.
	ConnectWait time.Duration

	// BaselineTimeout bounds the undelayed metadata request that proves the
	// connection is healthy before the run starts perturbing it.
	BaselineTimeout time.Duration

	// NoLift suppresses scheduling the delay removal. The second request
	// must then fail by its outer deadline; this is the negative control
	// proving the harness detects a stuck delay.
	NoLift bool
}

func (c Config) withDefaults() Config {
	if c.SocketTimeout == 0 {
		c.SocketTimeout = time.Second
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.InjectDelay == 0 {
		c.InjectDelay = 3 * time.Second
	}
	if c.Margin == 0 {
		c.Margin = 100 * time.Millisecond
	}
	if c.ConnectWait == 0 {
		c.ConnectWait = 30 * time.Second
	}
	if c.BaselineTimeout == 0 {
		c.BaselineTimeout = 2 * time.Second
	}
	return c
}

// LiftAfter returns when the delay removal activates: twice one retry cycle
// (request timeout plus backoff) minus the margin, so the client's third
// attempt lands just after the link has recovered.
func (c Config) LiftAfter() time.Duration {
	return 2*(c.SocketTimeout+c.RetryBackoff) - c.Margin
}

// OuterDeadline returns the deadline of the second metadata request: two
// full retry cycles plus the margin, enough for fail, back off, fail, back
// off, succeed.
func (c Config) OuterDeadline() time.Duration {
	return 2*(c.SocketTimeout+c.RetryBackoff) + c.Margin
}

// StepStatus represents the outcome of one driver step.
type StepStatus int

const (
	StepPassed StepStatus = iota
	StepFailed
	StepSkipped
)

// String returns a string representation of the step status.
func (s StepStatus) String() string {
	switch s {
	case StepPassed:
		return "PASSED"
	case StepFailed:
		return "FAILED"
	case StepSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// StepResult records the outcome of an individual driver step.
type StepResult struct {
	Name    string
	Status  StepStatus
	Elapsed time.Duration
	Err     error
}

// Report summarizes a completed run.
type Report struct {
	Steps   []StepResult
	Elapsed time.Duration
	Passed  bool
}

// Driver executes the foreground orchestration of one run against a Control
// and a client.
type Driver struct {
	ctrl   *Control
	client Client
	cfg    Config
}

// NewDriver builds a driver. The client must already be configured with the
// control's Connect hook and the harness's fatal-error classifier; the
// driver only drives its request path.
func NewDriver(ctrl *Control, client Client, cfg Config) *Driver {
	return &Driver{
		ctrl:   ctrl,
		client: client,
		cfg:    cfg.withDefaults(),
	}
}

// Run executes the orchestration sequence: wait for the first connection,
// confirm baseline connectivity, start the scheduler, inject an immediate
// delay, schedule its removal timed to straddle two retry cycles, issue the
// second request, and tear everything down. The returned report is non-nil
// even on failure; err is the first step error encountered.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	report := &Report{Passed: true}
	started := d.ctrl.clock.Now()

	defer func() {
		if err := d.client.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Driver.Run",
				"error":    err.Error(),
			}).Warn("Client close failed during teardown")
		}
		d.ctrl.Stop()
		report.Elapsed = d.ctrl.clock.Now().Sub(started)
	}()

	var runErr error
	for _, step := range []struct {
		name string
		fn   func(context.Context) error
		skip bool
	}{
		{name: "wait-connect", fn: d.waitConnect},
		{name: "baseline-metadata", fn: d.baselineMetadata},
		{name: "start-scheduler", fn: d.startScheduler},
		{name: "inject-delay", fn: d.injectDelay},
		{name: "schedule-lift", fn: d.scheduleLift, skip: d.cfg.NoLift},
		{name: "delayed-metadata", fn: d.delayedMetadata},
	} {
		if step.skip {
			report.Steps = append(report.Steps, StepResult{Name: step.name, Status: StepSkipped})
			continue
		}

		begun := d.ctrl.clock.Now()
		err := step.fn(ctx)
		result := StepResult{
			Name:    step.name,
			Status:  StepPassed,
			Elapsed: d.ctrl.clock.Now().Sub(begun),
		}
		if err != nil {
			result.Status = StepFailed
			result.Err = err
			report.Passed = false
			runErr = fmt.Errorf("step %s: %w", step.name, err)
		}
		report.Steps = append(report.Steps, result)

		logrus.WithFields(logrus.Fields{
			"function": "Driver.Run",
			"step":     result.Name,
			"status":   result.Status.String(),
			"elapsed":  result.Elapsed.String(),
		}).Info("Driver step finished")

		if err != nil {
			break
		}
	}

	return report, runErr
}

func (d *Driver) waitConnect(ctx context.Context) error {
	logrus.WithField("function", "Driver.waitConnect").Info("Waiting for first broker connection")
	_, err := d.ctrl.WaitConnected(d.cfg.ConnectWait)
	return err
}

// baselineMetadata proves the connection is healthy before the run starts
// perturbing it.
func (d *Driver) baselineMetadata(ctx context.Context) error {
	return d.client.RequestMetadata(ctx, d.cfg.BaselineTimeout)
}

func (d *Driver) startScheduler(ctx context.Context) error {
	d.ctrl.Start()
	return nil
}

// injectDelay applies the delay immediately and blocks until it is in
// effect, so no undelayed request can leak into the measurement window.
func (d *Driver) injectDelay(ctx context.Context) error {
	return d.ctrl.ScheduleDelay(0, d.cfg.InjectDelay)
}

// scheduleLift schedules the delay removal fire-and-forget; its entire
// purpose is to occur during the client's own retry waiting.
func (d *Driver) scheduleLift(ctx context.Context) error {
	return d.ctrl.ScheduleDelay(d.cfg.LiftAfter(), 0)
}

// delayedMetadata is the request under test: it must fail, back off, retry,
// fail, back off, and succeed on its third attempt once the delay has been
// lifted, all within the outer deadline.
func (d *Driver) delayedMetadata(ctx context.Context) error {
	return d.client.RequestMetadata(ctx, d.cfg.OuterDeadline())
}
