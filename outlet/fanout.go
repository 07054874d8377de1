package outlet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Uranury/OpmGo/stream"
)

type namedOutlet struct {
	name   string
	outlet stream.Outlet
}

type namedSink struct {
	name string
	sink stream.Sink
}

// Fanout publishes one stream to several outlets. Any sink failure fails
// the stream.
type Fanout struct {
	outlets []namedOutlet
	logger  *slog.Logger
}

// NewFanout returns an empty fan-out; register sinks with Add.
func NewFanout(logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{logger: logger}
}

// Add registers an outlet under a name used in errors.
func (f *Fanout) Add(name string, outlet stream.Outlet) {
	f.outlets = append(f.outlets, namedOutlet{name: name, outlet: outlet})
}

// Names lists the registered outlets.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.outlets))
	for i, o := range f.outlets {
		names[i] = o.name
	}
	return names
}

// Open opens every outlet. When one fails the ones already opened are
// closed again.
func (f *Fanout) Open(ctx context.Context, schema *stream.Schema) (stream.Sink, error) {
	sink := &fanoutSink{}
	for _, o := range f.outlets {
		s, err := o.outlet.Open(ctx, schema)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("%s: %w", o.name, err), sink.Close())
		}
		sink.sinks = append(sink.sinks, namedSink{name: o.name, sink: s})
	}
	f.logger.Info("outlets opened", "outlets", f.Names(), "stream", schema.Name,
		"channels", len(schema.Channels))
	return sink, nil
}

type fanoutSink struct {
	sinks []namedSink
}

func (s *fanoutSink) Push(ctx context.Context, chunk stream.Chunk) error {
	var errs []error
	for _, n := range s.sinks {
		if err := n.sink.Push(ctx, chunk); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	return errors.Join(errs...)
}

func (s *fanoutSink) Close() error {
	var errs []error
	for _, n := range s.sinks {
		if err := n.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.name, err))
		}
	}
	return errors.Join(errs...)
}
