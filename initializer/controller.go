// Package initializer drives a sensor bank from power-on to a calibrated
// state: restart, then coarse zero, then fine zero.
//
// Every sensor carries an explicit State. A failure, a command error or
// an expired deadline moves only that sensor to StateFailed; the others
// continue. Run returns once every sensor is terminal.
package initializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Uranury/OpmGo/metrics"
	"github.com/Uranury/OpmGo/sensors"
)

// DefaultTimeout bounds each initialization window.
const DefaultTimeout = time.Hour

var (
	ErrNotStarted       = errors.New("sensor not started and restart skipped")
	ErrPhaseTimeout     = errors.New("phase timed out")
	ErrConnectionClosed = errors.New("phase results channel closed")
)

// Options selects the phases to run and bounds them.
type Options struct {
	SkipRestart bool
	SkipZeroing bool
	// Timeout bounds the restart window and, separately, the shared
	// coarse+fine zero window.
	Timeout time.Duration
}

// SensorStatus is the terminal outcome of one sensor.
type SensorStatus struct {
	ID    sensors.SensorID `json:"id"`
	State sensors.State    `json:"state"`
	Err   error            `json:"-"`
}

// Report lists every sensor in discovery order.
type Report struct {
	Sensors []SensorStatus
}

// Ready returns the ids of sensors that reached StateReady.
func (r Report) Ready() []sensors.SensorID {
	var ready []sensors.SensorID
	for _, s := range r.Sensors {
		if s.State == sensors.StateReady {
			ready = append(ready, s.ID)
		}
	}
	return ready
}

// Failed returns the sensors that ended in StateFailed.
func (r Report) Failed() []SensorStatus {
	var failed []SensorStatus
	for _, s := range r.Sensors {
		if s.State == sensors.StateFailed {
			failed = append(failed, s)
		}
	}
	return failed
}

type tracked struct {
	state sensors.State
	err   error
}

// Controller owns the per-sensor state during initialization.
type Controller struct {
	conn     sensors.Chassis
	opts     Options
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder metrics.Recorder

	order  []sensors.SensorID
	states map[sensors.SensorID]*tracked
}

// New creates a Controller. A zero Timeout selects DefaultTimeout.
func New(conn sensors.Chassis, opts Options, clock clockwork.Clock, logger *slog.Logger, recorder metrics.Recorder) *Controller {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Controller{
		conn:     conn,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
	}
}

// Run initializes every sensor the connection reports. Cancelling ctx
// fails the sensors still pending, like a timeout, and no further phase
// is issued.
func (c *Controller) Run(ctx context.Context) Report {
	start := c.clock.Now()
	c.order = c.conn.Sensors()
	c.states = make(map[sensors.SensorID]*tracked, len(c.order))
	for _, id := range c.order {
		c.states[id] = &tracked{state: sensors.StateUnknown}
	}
	c.logger.Info("initializing sensors", "count", len(c.order),
		"skip_restart", c.opts.SkipRestart, "skip_zeroing", c.opts.SkipZeroing,
		"timeout", c.opts.Timeout)

	if c.opts.SkipRestart {
		c.adoptStarted()
	} else {
		deadline := c.clock.Now().Add(c.opts.Timeout)
		c.runPhase(ctx, phaseRestart, deadline)
	}

	if c.opts.SkipZeroing {
		for _, id := range c.order {
			if c.states[id].state == sensors.StateRestarted {
				c.states[id].state = sensors.StateReady
			}
		}
	} else {
		deadline := c.clock.Now().Add(c.opts.Timeout)
		c.runPhase(ctx, phaseCoarseZero, deadline)
		c.runPhase(ctx, phaseFineZero, deadline)
	}

	report := c.report()
	c.recorder.SetSensorsReady(len(report.Ready()))
	c.recorder.ObserveInitDuration(c.clock.Since(start))
	c.logger.Info("initialization finished", "ready", len(report.Ready()),
		"failed", len(report.Failed()), "elapsed", c.clock.Since(start).Round(time.Millisecond))
	return report
}

// adoptStarted treats sensors that already run as restarted. The others
// cannot be zeroed and fail here.
func (c *Controller) adoptStarted() {
	for _, id := range c.order {
		if c.conn.Started(id) {
			c.states[id].state = sensors.StateRestarted
			continue
		}
		phase := sensors.PhaseCoarseZero
		if c.opts.SkipZeroing {
			phase = sensors.PhaseRestart
		}
		c.fail(id, phase, ErrNotStarted)
	}
}

// phaseStep describes one step of the state machine.
type phaseStep struct {
	phase      sensors.Phase
	from       sensors.State
	inProgress sensors.State
	done       sensors.State
	issue      func(sensors.Chassis, sensors.SensorID) error
}

var (
	phaseRestart = phaseStep{
		phase:      sensors.PhaseRestart,
		from:       sensors.StateUnknown,
		inProgress: sensors.StateRestarting,
		done:       sensors.StateRestarted,
		issue:      sensors.Chassis.Restart,
	}
	phaseCoarseZero = phaseStep{
		phase:      sensors.PhaseCoarseZero,
		from:       sensors.StateRestarted,
		inProgress: sensors.StateCoarseZeroing,
		done:       sensors.StateCoarseZeroed,
		issue:      sensors.Chassis.CoarseZero,
	}
	phaseFineZero = phaseStep{
		phase:      sensors.PhaseFineZero,
		from:       sensors.StateCoarseZeroed,
		inProgress: sensors.StateFineZeroing,
		done:       sensors.StateReady,
		issue:      sensors.Chassis.FineZero,
	}
)

// runPhase issues the phase to every eligible sensor, then waits for
// their results until the deadline.
func (c *Controller) runPhase(ctx context.Context, ph phaseStep, deadline time.Time) {
	if err := ctx.Err(); err != nil {
		for _, id := range c.order {
			if c.states[id].state == ph.from {
				c.fail(id, ph.phase, err)
			}
		}
		return
	}

	pending := make(map[sensors.SensorID]struct{})
	for _, id := range c.order {
		if c.states[id].state != ph.from {
			continue
		}
		c.states[id].state = ph.inProgress
		if err := ph.issue(c.conn, id); err != nil {
			c.fail(id, ph.phase, fmt.Errorf("issue %s: %w", ph.phase, err))
			continue
		}
		c.logger.Debug("phase issued", "sensor", id.String(), "phase", ph.phase.String())
		pending[id] = struct{}{}
	}
	if len(pending) == 0 {
		return
	}
	c.logger.Info("waiting for phase", "phase", ph.phase.String(), "sensors", len(pending))

	timer := c.clock.NewTimer(deadline.Sub(c.clock.Now()))
	defer timer.Stop()

	for len(pending) > 0 {
		// A buffered result must not win over a cancellation already seen.
		if err := ctx.Err(); err != nil {
			c.failPending(pending, ph.phase, err)
			return
		}
		select {
		case result, ok := <-c.conn.Results():
			if !ok {
				c.failPending(pending, ph.phase, ErrConnectionClosed)
				return
			}
			if _, waiting := pending[result.Sensor]; !waiting || result.Phase != ph.phase {
				c.logger.Debug("ignoring phase result", "sensor", result.Sensor.String(),
					"phase", result.Phase.String(), "expected", ph.phase.String())
				continue
			}
			delete(pending, result.Sensor)
			if result.Err != nil {
				c.fail(result.Sensor, ph.phase, result.Err)
				continue
			}
			c.states[result.Sensor].state = ph.done
			c.recorder.IncPhaseResult(ph.phase.String(), metrics.ResultSuccess)
			c.logger.Info("phase complete", "sensor", result.Sensor.String(), "phase", ph.phase.String())
		case <-timer.Chan():
			c.failPending(pending, ph.phase, ErrPhaseTimeout)
			return
		case <-ctx.Done():
			c.failPending(pending, ph.phase, ctx.Err())
			return
		}
	}
}

func (c *Controller) failPending(pending map[sensors.SensorID]struct{}, phase sensors.Phase, err error) {
	for _, id := range c.order {
		if _, ok := pending[id]; ok {
			c.fail(id, phase, err)
		}
	}
}

func (c *Controller) fail(id sensors.SensorID, phase sensors.Phase, err error) {
	t := c.states[id]
	t.state = sensors.StateFailed
	t.err = fmt.Errorf("%s: %w", phase, err)

	result := metrics.ResultFailed
	if errors.Is(err, ErrPhaseTimeout) {
		result = metrics.ResultTimeout
	}
	c.recorder.IncPhaseResult(phase.String(), result)
	c.logger.Warn("sensor failed", "sensor", id.String(), "phase", phase.String(), "error", err)
}

func (c *Controller) report() Report {
	report := Report{Sensors: make([]SensorStatus, 0, len(c.order))}
	for _, id := range c.order {
		t := c.states[id]
		if !t.state.Terminal() {
			t.state = sensors.StateFailed
			t.err = errors.New("left in intermediate state")
		}
		report.Sensors = append(report.Sensors, SensorStatus{ID: id, State: t.state, Err: t.err})
	}
	return report
}
