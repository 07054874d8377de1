package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/Uranury/OpmGo/sensors"
)

// NominalRate is the sampling rate declared on every stream.
const NominalRate = sensors.SampleRate

// ErrArityMismatch reports a raw chunk whose layout differs from the one
// the schema was inferred from.
var ErrArityMismatch = errors.New("raw chunk arity does not match schema")

// Channel describes one column of the published stream.
type Channel struct {
	Label  string           `json:"label" cbor:"label"`
	Sensor sensors.SensorID `json:"sensor" cbor:"sensor"`
	Unit   Unit             `json:"unit" cbor:"unit"`
	Role   sensors.Role     `json:"role" cbor:"role"`
	Mode   string           `json:"mode" cbor:"mode"`
	// Scale converts a raw count into Unit.
	Scale float64 `json:"scale" cbor:"scale"`
}

// Schema is the immutable stream declaration derived from the first
// chunk of data.
type Schema struct {
	Name         string    `json:"name" cbor:"name"`
	SourceID     string    `json:"source_id" cbor:"source_id"`
	Type         string    `json:"type" cbor:"type"`
	Manufacturer string    `json:"manufacturer" cbor:"manufacturer"`
	NominalRate  float64   `json:"nominal_rate" cbor:"nominal_rate"`
	Format       string    `json:"format" cbor:"format"`
	Channels     []Channel `json:"channels" cbor:"channels"`
	SessionID    string    `json:"session_id" cbor:"session_id"`
	Created      time.Time `json:"created" cbor:"created"`
	// RawArity is the number of frames per raw sample on the first chunk.
	RawArity int `json:"raw_arity" cbor:"raw_arity"`

	// index maps each channel to its frame position in a raw sample.
	index []int
}

// Labels returns the channel labels in column order.
func (s *Schema) Labels() []string {
	labels := make([]string, len(s.Channels))
	for i, ch := range s.Channels {
		labels[i] = ch.Label
	}
	return labels
}

// Chunk is a fixed-arity batch in physical units. Every row has one value
// per schema channel.
type Chunk struct {
	Timestamp time.Time   `json:"timestamp" cbor:"timestamp"`
	Samples   [][]float64 `json:"samples" cbor:"samples"`
}

// SampleTime returns the capture time of row i.
func (c Chunk) SampleTime(i int, rate float64) time.Time {
	if rate <= 0 {
		return c.Timestamp
	}
	return c.Timestamp.Add(time.Duration(float64(i) / rate * float64(time.Second)))
}

// Project converts a raw chunk into the schema's typed layout. The
// timestamp is left for the caller to assign.
func (s *Schema) Project(raw sensors.RawChunk) (Chunk, error) {
	out := Chunk{Samples: make([][]float64, len(raw.Samples))}
	for i, sample := range raw.Samples {
		if len(sample.Frames) != s.RawArity {
			return Chunk{}, fmt.Errorf("%w: sample %d has %d frames, schema expects %d",
				ErrArityMismatch, i, len(sample.Frames), s.RawArity)
		}
		row := make([]float64, len(s.index))
		for col, pos := range s.index {
			row[col] = float64(sample.Frames[pos].Value) * s.Channels[col].Scale
		}
		out.Samples[i] = row
	}
	return out, nil
}
