package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Uranury/OpmGo/metrics"
	"github.com/Uranury/OpmGo/sensors"
)

// LevelTrace enables per-chunk log lines.
const LevelTrace = slog.Level(-8)

// DefaultHeartbeat is the interval between progress reports.
const DefaultHeartbeat = time.Minute

// DefaultStallTimeout is how long the queue may stay empty before the
// bridge warns that data stopped arriving.
const DefaultStallTimeout = time.Second

// BridgeOptions bounds a streaming run.
type BridgeOptions struct {
	// Duration ends the run after this much wall-clock time. Zero runs
	// until the context is cancelled.
	Duration  time.Duration
	Heartbeat time.Duration
	// StallTimeout triggers one warning per gap in the data.
	StallTimeout time.Duration
}

// Bridge forwards raw chunks from the hardware queue to an outlet in
// arrival order.
type Bridge struct {
	schema   *Schema
	queue    <-chan sensors.RawChunk
	outlet   Outlet
	opts     BridgeOptions
	clock    clockwork.Clock
	logger   *slog.Logger
	recorder metrics.Recorder

	mapper    TimestampMapper
	forwarded atomic.Int64
}

// NewBridge returns a bridge that streams queue to outlet under schema.
func NewBridge(schema *Schema, queue <-chan sensors.RawChunk, outlet Outlet, opts BridgeOptions,
	clock clockwork.Clock, logger *slog.Logger, recorder metrics.Recorder) *Bridge {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.StallTimeout <= 0 {
		opts.StallTimeout = DefaultStallTimeout
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
	return &Bridge{
		schema:   schema,
		queue:    queue,
		outlet:   outlet,
		opts:     opts,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
	}
}

// Forwarded returns the number of chunks pushed so far.
func (b *Bridge) Forwarded() int64 { return b.forwarded.Load() }

// Run opens the outlet, discards the backlog queued at that moment and
// forwards live chunks until the duration elapses or ctx is cancelled,
// both of which return nil. The sink is closed on every path.
func (b *Bridge) Run(ctx context.Context) (err error) {
	sink, err := b.outlet.Open(ctx, b.schema)
	if err != nil {
		return fmt.Errorf("open outlet: %w", err)
	}
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close outlet: %w", cerr))
		}
		b.logger.Info("outlet closed", "stream", b.schema.Name, "chunks", b.forwarded.Load())
	}()

	if n := b.drain(); n > 0 {
		b.logger.Info("discarded stale chunks", "chunks", n)
		b.recorder.AddChunksDiscarded(n)
	}

	start := b.clock.Now()
	var end time.Time
	if b.opts.Duration > 0 {
		end = start.Add(b.opts.Duration)
	}
	b.heartbeat(start, start, end)
	w := wakeups{nextBeat: start.Add(b.opts.Heartbeat), end: end, lastData: start, stallTimeout: b.opts.StallTimeout}

	timer := b.clock.NewTimer(w.until(start))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("streaming interrupted", "elapsed", b.clock.Since(start).Round(time.Second))
			return nil
		case <-timer.Chan():
			now := b.clock.Now()
			if !end.IsZero() && !now.Before(end) {
				b.logger.Info("streaming duration reached", "duration", b.opts.Duration)
				return nil
			}
			if !w.stalled && now.Sub(w.lastData) >= w.stallTimeout {
				w.stalled = true
				b.logger.Warn("No data received in time", "stream", b.schema.Name,
					"waited", now.Sub(w.lastData).Round(time.Millisecond), "queue_depth", len(b.queue))
			}
			if !now.Before(w.nextBeat) {
				b.heartbeat(start, now, end)
				for !w.nextBeat.After(now) {
					w.nextBeat = w.nextBeat.Add(b.opts.Heartbeat)
				}
			}
			timer.Reset(w.until(now))
		case raw, ok := <-b.queue:
			if !ok {
				return ErrQueueClosed
			}
			if err := b.forward(ctx, sink, raw); err != nil {
				return err
			}
			w.lastData = b.clock.Now()
			if w.stalled {
				w.stalled = false
				timer.Reset(w.until(w.lastData))
				b.logger.Info("data resumed", "stream", b.schema.Name)
			}
		}
	}
}

// drain discards exactly the chunks queued right now.
func (b *Bridge) drain() int {
	n := len(b.queue)
	for i := 0; i < n; i++ {
		select {
		case _, ok := <-b.queue:
			if !ok {
				return i
			}
		default:
			return i
		}
	}
	return n
}

func (b *Bridge) forward(ctx context.Context, sink Sink, raw sensors.RawChunk) error {
	chunk, err := b.schema.Project(raw)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", b.forwarded.Load()+1, err)
	}
	chunk.Timestamp = b.mapper.Map(raw.Ticks, raw.Received)
	if err := sink.Push(ctx, chunk); err != nil {
		return fmt.Errorf("push chunk: %w", err)
	}
	n := b.forwarded.Add(1)
	b.recorder.AddChunksForwarded(1, len(chunk.Samples))
	b.logger.Log(ctx, LevelTrace, "chunk forwarded", "chunk", n, "samples", len(chunk.Samples),
		"timestamp", chunk.Timestamp)
	return nil
}

func (b *Bridge) heartbeat(start, now, end time.Time) {
	depth := len(b.queue)
	b.recorder.SetQueueDepth(depth)
	msg := fmt.Sprintf("Streaming data on %s since %.0f seconds", b.schema.Name, now.Sub(start).Seconds())
	if !end.IsZero() {
		msg += fmt.Sprintf(" (%.0f seconds remaining)", end.Sub(now).Seconds())
	}
	b.logger.Info(msg, "chunks", b.forwarded.Load(), "queue_depth", depth)
}

// wakeups tracks the instants the run loop must wake for: the next
// heartbeat, the end of the run and, until it has fired once per gap, the
// stall warning.
type wakeups struct {
	nextBeat     time.Time
	end          time.Time
	lastData     time.Time
	stallTimeout time.Duration
	stalled      bool
}

func (w *wakeups) until(now time.Time) time.Duration {
	next := w.nextBeat
	if !w.end.IsZero() && w.end.Before(next) {
		next = w.end
	}
	if !w.stalled {
		if stall := w.lastData.Add(w.stallTimeout); stall.Before(next) {
			next = stall
		}
	}
	return next.Sub(now)
}
