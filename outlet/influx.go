package outlet

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/Uranury/OpmGo/stream"
)

// Measurement is the InfluxDB measurement samples are written to.
const Measurement = "opm"

// pointWriter is the part of api.WriteAPI the outlet needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Errors() <-chan error
	Flush()
}

// Influx writes one point per sample through the non-blocking write API.
// Write errors arrive asynchronously and fail the next Push or Close.
type Influx struct {
	client influxdb2.Client
	writer pointWriter
	logger *slog.Logger
}

// NewInflux creates a client for the bucket. It connects lazily on the first write.
func NewInflux(url, token, org, bucket string, logger *slog.Logger) *Influx {
	client := influxdb2.NewClient(url, token)
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("InfluxDB outlet configured", "url", url, "org", org, "bucket", bucket)
	return &Influx{client: client, writer: client.WriteAPI(org, bucket), logger: logger}
}

func (o *Influx) Open(_ context.Context, schema *stream.Schema) (stream.Sink, error) {
	sink := &influxSink{
		writer: o.writer,
		schema: schema,
		labels: schema.Labels(),
	}
	// The error channel must be drained until the client closes it or the
	// write API blocks.
	errs := o.writer.Errors()
	go func() {
		for err := range errs {
			o.logger.Warn("InfluxDB write failed", "error", err)
			sink.setErr(err)
		}
	}()
	return sink, nil
}

// Close releases the client and stops draining write errors. Call it
// after the sink is closed.
func (o *Influx) Close() {
	if o.client != nil {
		o.client.Close()
	}
}

type influxSink struct {
	writer pointWriter
	schema *stream.Schema
	labels []string

	mu  sync.Mutex
	err error
}

func (s *influxSink) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *influxSink) writeErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *influxSink) Push(_ context.Context, chunk stream.Chunk) error {
	if err := s.writeErr(); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	for i, row := range chunk.Samples {
		p := influxdb2.NewPointWithMeasurement(Measurement).
			AddTag("stream", s.schema.Name).
			AddTag("source_id", s.schema.SourceID).
			SetTime(chunk.SampleTime(i, s.schema.NominalRate))
		for col, value := range row {
			p.AddField(s.labels[col], value)
		}
		s.writer.WritePoint(p)
	}
	return nil
}

func (s *influxSink) Close() error {
	s.writer.Flush()
	if err := s.writeErr(); err != nil {
		return fmt.Errorf("influx write: %w", err)
	}
	return nil
}
