package stream

import "context"

// Outlet declares a stream and hands back the sink its chunks go to.
type Outlet interface {
	Open(ctx context.Context, schema *Schema) (Sink, error)
}

// Sink receives the chunks of one declared stream.
type Sink interface {
	Push(ctx context.Context, chunk Chunk) error
	Close() error
}
