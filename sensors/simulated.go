package sensors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// TicksPerSecond is the chassis clock rate.
const TicksPerSecond = 25_000_000

// SampleRate is the acquisition rate of every channel.
const SampleRate = 1000

var (
	ErrClosed        = errors.New("chassis connection closed")
	ErrUnknownSensor = errors.New("unknown sensor")
	ErrNoChassis     = errors.New("no chassis address given")
)

// SimOptions configures a simulated chassis bank.
type SimOptions struct {
	SensorsPerChassis int
	// Unreachable addresses contribute no chassis.
	Unreachable []string
	// Started marks every sensor as already running at connect time.
	Started bool
	// Fail scripts a failure of the given phase for a sensor.
	Fail map[SensorID]Phase
	// Silent scripts a phase the sensor never answers.
	Silent          map[SensorID]Phase
	PhaseDelay      time.Duration
	ChunkInterval   time.Duration
	SamplesPerChunk int
	QueueSize       int
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

func (o *SimOptions) setDefaults() {
	if o.SensorsPerChassis <= 0 {
		o.SensorsPerChassis = 4
	}
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = 10 * time.Millisecond
	}
	if o.SamplesPerChunk <= 0 {
		o.SamplesPerChunk = 10
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type simSensor struct {
	started bool
	failed  bool
}

// Simulated is an in-process chassis bank. It behaves like the hardware
// transport: commands complete asynchronously after PhaseDelay and report
// through diagnostic transcripts, and data flows on a background goroutine.
type Simulated struct {
	opts   SimOptions
	logger *slog.Logger

	mu         sync.Mutex
	addresses  []string
	order      []SensorID
	sensors    map[SensorID]*simSensor
	closedLoop bool
	adc        bool
	sample     uint64
	closed     bool

	results chan PhaseResult
	samples chan RawChunk
	quit    chan struct{}

	cancel   context.CancelFunc
	producer sync.WaitGroup
}

// Dial connects to the chassis at the given addresses. Chassis ids are
// assigned in address order, skipping unreachable ones.
func Dial(addresses []string, opts SimOptions) (*Simulated, error) {
	if len(addresses) == 0 {
		return nil, ErrNoChassis
	}
	opts.setDefaults()

	s := &Simulated{
		opts:       opts,
		logger:     opts.Logger,
		sensors:    make(map[SensorID]*simSensor),
		closedLoop: true,
		results:    make(chan PhaseResult, 64),
		samples:    make(chan RawChunk, opts.QueueSize),
		quit:       make(chan struct{}),
	}

	for _, address := range addresses {
		if slices.Contains(opts.Unreachable, address) {
			s.logger.Warn("chassis not reachable", "address", address)
			continue
		}
		chassisID := len(s.addresses)
		s.addresses = append(s.addresses, address)
		for slot := 1; slot <= opts.SensorsPerChassis; slot++ {
			id := SensorID{Chassis: chassisID, Slot: slot}
			s.order = append(s.order, id)
			s.sensors[id] = &simSensor{started: opts.Started}
		}
		s.logger.Info("chassis connected", "address", address, "chassis_id", chassisID,
			"sensors", opts.SensorsPerChassis)
	}
	return s, nil
}

func (s *Simulated) Sensors() []SensorID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.order)
}

func (s *Simulated) Started(id SensorID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sensor, ok := s.sensors[id]
	return ok && sensor.started && !sensor.failed
}

func (s *Simulated) Restart(id SensorID) error    { return s.issue(id, PhaseRestart) }
func (s *Simulated) CoarseZero(id SensorID) error { return s.issue(id, PhaseCoarseZero) }
func (s *Simulated) FineZero(id SensorID) error   { return s.issue(id, PhaseFineZero) }

func (s *Simulated) Results() <-chan PhaseResult { return s.results }

func (s *Simulated) issue(id SensorID, phase Phase) error {
	s.mu.Lock()
	_, known := s.sensors[id]
	closed := s.closed
	s.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSensor, id)
	}
	if silent, ok := s.opts.Silent[id]; ok && silent == phase {
		s.logger.Debug("sensor does not answer", "sensor", id.String(), "phase", phase.String())
		return nil
	}
	s.opts.Clock.AfterFunc(s.opts.PhaseDelay, func() {
		s.deliver(ResultFromDiagnostics(id, phase, s.transcript(id, phase)))
	})
	return nil
}

// transcript applies the phase to the sensor and returns the text the
// firmware would print for it.
func (s *Simulated) transcript(id SensorID, phase Phase) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	sensor := s.sensors[id]
	lines := []string{fmt.Sprintf("sensor %s: %s begin", id, phase)}

	if failing, ok := s.opts.Fail[id]; ok && failing == phase {
		sensor.failed = true
		return append(lines,
			fmt.Sprintf("sensor %s: %s error 0x%02x", id, phase, 0x40+int(phase)),
			fmt.Sprintf("sensor %s: state unchanged", id))
	}

	switch phase {
	case PhaseRestart:
		sensor.started = true
		sensor.failed = false
	case PhaseCoarseZero, PhaseFineZero:
		if !sensor.started {
			sensor.failed = true
			return append(lines, fmt.Sprintf("sensor %s: %s failed, sensor not started", id, phase))
		}
	}
	return append(lines, fmt.Sprintf("sensor %s: %s complete", id, phase))
}

func (s *Simulated) deliver(result PhaseResult) {
	select {
	case s.results <- result:
	case <-s.quit:
	}
}

func (s *Simulated) SetClosedLoop(closed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedLoop = closed
	return nil
}

func (s *Simulated) SetADC(enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adc != enabled {
		s.logger.Info("ADC switched", "enabled", enabled, "chassis", len(s.addresses))
	}
	s.adc = enabled
	return nil
}

// StartData starts the producer goroutine. Calling it again while data is
// flowing is a no-op.
func (s *Simulated) StartData(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.producer.Add(1)
	go func() {
		defer s.producer.Done()
		s.produce(ctx)
	}()
	return nil
}

func (s *Simulated) StopData() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.producer.Wait()
	}
	return nil
}

func (s *Simulated) Samples() <-chan RawChunk { return s.samples }

// Close stops data, releases pending result deliveries and closes the
// sample queue.
func (s *Simulated) Close() error {
	if err := s.StopData(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.quit)
	close(s.samples)
	return nil
}

func (s *Simulated) produce(ctx context.Context) {
	ticker := s.opts.Clock.NewTicker(s.opts.ChunkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		chunk, ok := s.nextChunk()
		if !ok {
			continue
		}
		select {
		case s.samples <- chunk:
		case <-ctx.Done():
			return
		}
	}
}

// nextChunk synthesizes one chunk for every streaming channel. Sensors
// that are not started or that reported a failure produce nothing; a bank
// without any active channel stays silent. A started sensor that never
// answered a zeroing command keeps streaming, as the hardware does, so it
// still appears in the stream even though initialization marks it failed.
func (s *Simulated) nextChunk() (RawChunk, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	magType := DataTypeOpenLoop
	if s.closedLoop {
		magType = DataTypeClosedLoop
	}

	var layout []Frame
	if s.adc {
		for chassisID := range s.addresses {
			id := SensorID{Chassis: chassisID}
			layout = append(layout, Frame{
				Channel:     ChannelLabel(id, DataTypeADC),
				Sensor:      id,
				Type:        DataTypeADC,
				Calibration: 1e-6,
			})
		}
	}
	for _, id := range s.order {
		sensor := s.sensors[id]
		if !sensor.started || sensor.failed {
			continue
		}
		layout = append(layout, Frame{
			Channel:     ChannelLabel(id, magType),
			Sensor:      id,
			Type:        magType,
			Calibration: 1e-15,
		})
	}
	if len(layout) == 0 {
		return RawChunk{}, false
	}

	chunk := RawChunk{
		Ticks:    s.sample * (TicksPerSecond / SampleRate),
		Received: s.opts.Clock.Now(),
		Samples:  make([]RawSample, s.opts.SamplesPerChunk),
	}
	for i := range chunk.Samples {
		frames := slices.Clone(layout)
		for j := range frames {
			frames[j].Value = synthesize(frames[j], s.sample)
		}
		chunk.Samples[i] = RawSample{Frames: frames}
		s.sample++
	}
	return chunk, true
}

// synthesize returns a slot-dependent sine in raw counts plus noise.
func synthesize(frame Frame, sample uint64) int32 {
	t := float64(sample) / SampleRate
	frequency := float64(1 + frame.Sensor.Slot)
	amplitude := 1000.0
	if frame.Type == DataTypeADC {
		amplitude = 50000
		frequency = 0.5
	}
	return int32(amplitude*math.Sin(2*math.Pi*frequency*t) + rand.NormFloat64()*20)
}
