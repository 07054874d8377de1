package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/Uranury/OpmGo/sensors"
)

var (
	ErrQueueClosed  = errors.New("sample queue closed")
	errInvalidChunk = errors.New("chunk declares no usable channel")
)

// InferOptions carries the stream metadata and the channel selection.
type InferOptions struct {
	Name         string
	SourceID     string
	Type         string
	Manufacturer string
	Unit         Unit
	// ADC selects ADC channels in addition to the magnetometers.
	ADC bool
}

func (o *InferOptions) setDefaults() {
	if o.Name == "" {
		o.Name = "FieldLineOPM"
	}
	if o.SourceID == "" {
		o.SourceID = "FieldLineOPM_sid"
	}
	if o.Type == "" {
		o.Type = "MEG"
	}
	if o.Manufacturer == "" {
		o.Manufacturer = "FieldLine"
	}
	if o.Unit == "" {
		o.Unit = DefaultUnit
	}
}

// Inferencer derives the stream schema from the first chunk of data.
type Inferencer struct {
	opts   InferOptions
	clock  clockwork.Clock
	logger *slog.Logger
}

// NewInferencer returns an inferencer with defaults applied to opts.
func NewInferencer(opts InferOptions, clock clockwork.Clock, logger *slog.Logger) *Inferencer {
	opts.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inferencer{opts: opts, clock: clock, logger: logger}
}

// Infer blocks until a valid chunk arrives on queue and returns the schema
// derived from it. The chunk itself is consumed. Infer waits as long as
// ctx allows; a silent queue is not an error on its own.
func (i *Inferencer) Infer(ctx context.Context, queue <-chan sensors.RawChunk) (*Schema, error) {
	i.logger.Info("waiting for first data chunk")
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case raw, ok := <-queue:
			if !ok {
				return nil, ErrQueueClosed
			}
			schema, err := i.FromChunk(raw)
			if errors.Is(err, errInvalidChunk) {
				i.logger.Warn("skipping chunk without usable channels", "samples", len(raw.Samples))
				continue
			}
			if err != nil {
				return nil, err
			}
			i.logger.Info("stream schema inferred", "name", schema.Name, "channels", len(schema.Channels),
				"raw_arity", schema.RawArity, "session", schema.SessionID)
			return schema, nil
		}
	}
}

// FromChunk builds a schema from the frame layout of one chunk.
func (i *Inferencer) FromChunk(raw sensors.RawChunk) (*Schema, error) {
	if len(raw.Samples) == 0 || len(raw.Samples[0].Frames) == 0 {
		return nil, errInvalidChunk
	}
	frames := raw.Samples[0].Frames

	schema := &Schema{
		Name:         i.opts.Name,
		SourceID:     i.opts.SourceID,
		Type:         i.opts.Type,
		Manufacturer: i.opts.Manufacturer,
		NominalRate:  NominalRate,
		Format:       "float32",
		SessionID:    uuid.NewString(),
		Created:      i.clock.Now(),
		RawArity:     len(frames),
	}
	for pos, frame := range frames {
		var ch Channel
		switch frame.Type.Role() {
		case sensors.RoleMagnetometer:
			ch = Channel{Unit: i.opts.Unit, Scale: frame.Calibration * i.opts.Unit.Factor()}
		case sensors.RoleADC:
			if !i.opts.ADC {
				continue
			}
			ch = Channel{Unit: UnitVolt, Scale: frame.Calibration}
		default:
			i.logger.Warn("excluding channel of unknown data type", "channel", frame.Channel,
				"data_type", int(frame.Type))
			continue
		}
		ch.Label = frame.Channel
		ch.Sensor = frame.Sensor
		ch.Role = frame.Type.Role()
		ch.Mode = frame.Type.Mode()
		schema.Channels = append(schema.Channels, ch)
		schema.index = append(schema.index, pos)
	}
	if len(schema.Channels) == 0 {
		return nil, fmt.Errorf("%w: %d frames", errInvalidChunk, len(frames))
	}
	return schema, nil
}
