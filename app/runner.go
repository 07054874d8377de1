// Package app sequences one acquisition run: sensor initialization, data
// start, schema inference and the streaming bridge.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Uranury/OpmGo/initializer"
	"github.com/Uranury/OpmGo/metrics"
	"github.com/Uranury/OpmGo/sensors"
	"github.com/Uranury/OpmGo/stream"
)

// ErrNoReadySensors is returned when no sensor initialized and no data
// ever arrived.
var ErrNoReadySensors = errors.New("no ready sensors")

// Options configures a run.
type Options struct {
	Init       initializer.Options
	Stream     stream.InferOptions
	Bridge     stream.BridgeOptions
	ClosedLoop bool
	// FirstSampleTimeout bounds schema inference; zero waits until the
	// run context ends.
	FirstSampleTimeout time.Duration
}

// Runner owns one acquisition run against a chassis connection.
type Runner struct {
	conn     sensors.Chassis
	outlet   stream.Outlet
	opts     Options
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder metrics.Recorder
	status   *Status
}

// NewRunner prepares a run. Nil clock, logger or recorder select the
// real clock, the default logger and a no-op recorder.
func NewRunner(conn sensors.Chassis, outlet stream.Outlet, opts Options, clock clockwork.Clock,
	logger *slog.Logger, recorder metrics.Recorder) *Runner {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &Runner{
		conn:     conn,
		outlet:   outlet,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
		status:   newStatus(),
	}
}

// Status exposes the live run status.
func (r *Runner) Status() *Status { return r.status }

// Run executes the run. It returns nil when the configured duration
// elapses or ctx is cancelled by the operator.
func (r *Runner) Run(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			r.status.setPhase(PhaseFailed)
		} else {
			r.status.setPhase(PhaseFinished)
		}
	}()

	r.status.setPhase(PhaseInitializing)
	if err := r.conn.SetClosedLoop(r.opts.ClosedLoop); err != nil {
		return fmt.Errorf("set loop mode: %w", err)
	}
	report := initializer.New(r.conn, r.opts.Init, r.clock, r.logger, r.recorder).Run(ctx)
	r.status.setReport(report)
	if ctx.Err() != nil {
		r.logger.Info("interrupted during initialization")
		return nil
	}

	ready := report.Ready()
	if len(ready) == 0 {
		r.logger.Error("no ready sensors, waiting for data anyway")
	} else {
		ids := make([]string, len(ready))
		for i, id := range ready {
			ids[i] = id.String()
		}
		r.logger.Info("sensors ready", "sensors", ids)
	}

	if err := r.conn.SetADC(r.opts.Stream.ADC); err != nil {
		return fmt.Errorf("set ADC: %w", err)
	}
	if err := r.conn.StartData(ctx); err != nil {
		return fmt.Errorf("start data: %w", err)
	}
	defer r.stopData()

	r.status.setPhase(PhaseWaitingForData)
	schema, err := r.infer(ctx)
	if err != nil {
		switch {
		case len(ready) == 0:
			return errors.Join(ErrNoReadySensors, err)
		case ctx.Err() != nil:
			r.logger.Info("interrupted while waiting for data")
			return nil
		}
		return fmt.Errorf("waiting for first chunk: %w", err)
	}

	bridge := stream.NewBridge(schema, r.conn.Samples(), r.outlet, r.opts.Bridge, r.clock, r.logger, r.recorder)
	r.status.setStreaming(schema, bridge.Forwarded)
	return bridge.Run(ctx)
}

func (r *Runner) infer(ctx context.Context) (*stream.Schema, error) {
	if r.opts.FirstSampleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.FirstSampleTimeout)
		defer cancel()
	}
	return stream.NewInferencer(r.opts.Stream, r.clock, r.logger).Infer(ctx, r.conn.Samples())
}

func (r *Runner) stopData() {
	if err := r.conn.StopData(); err != nil {
		r.logger.Warn("failed to stop data", "error", err)
	}
	if r.opts.Stream.ADC {
		if err := r.conn.SetADC(false); err != nil {
			r.logger.Warn("failed to disable ADC", "error", err)
		}
	}
}
