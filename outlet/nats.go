package outlet

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Uranury/OpmGo/stream"
)

// publisher is the part of *nats.Conn the outlet needs.
type publisher interface {
	Publish(subject string, data []byte) error
	Flush() error
	Drain() error
}

// NATS publishes the CBOR-encoded schema on <subject>.schema and every
// chunk on <subject>.chunks.
type NATS struct {
	conn    publisher
	subject string
	logger  *slog.Logger
}

// DialNATS connects to the server at url.
func DialNATS(url, subject string, logger *slog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url, nats.Name("opm-stream-bridge"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("NATS outlet connected", "url", url, "subject", subject)
	return newNATS(conn, subject, logger), nil
}

func newNATS(conn publisher, subject string, logger *slog.Logger) *NATS {
	if subject == "" {
		subject = "opm"
	}
	return &NATS{conn: conn, subject: subject, logger: logger}
}

func (n *NATS) SchemaSubject() string { return n.subject + ".schema" }
func (n *NATS) ChunkSubject() string  { return n.subject + ".chunks" }

func (n *NATS) Open(_ context.Context, schema *stream.Schema) (stream.Sink, error) {
	data, err := encMode.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to encode schema: %w", err)
	}
	if err := n.conn.Publish(n.SchemaSubject(), data); err != nil {
		return nil, fmt.Errorf("failed to publish schema: %w", err)
	}
	n.logger.Debug("published stream schema", "subject", n.SchemaSubject(), "bytes", len(data))
	return &natsSink{nats: n}, nil
}

// Close drains the connection. Call it after the sink is closed.
func (n *NATS) Close() error {
	return n.conn.Drain()
}

type natsSink struct {
	nats *NATS
}

func (s *natsSink) Push(_ context.Context, chunk stream.Chunk) error {
	data, err := encMode.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}
	if err := s.nats.conn.Publish(s.nats.ChunkSubject(), data); err != nil {
		return fmt.Errorf("failed to publish chunk: %w", err)
	}
	return nil
}

func (s *natsSink) Close() error {
	return s.nats.conn.Flush()
}

// DecodeChunk decodes a payload published on the chunk subject.
func DecodeChunk(data []byte) (stream.Chunk, error) {
	var chunk stream.Chunk
	err := decMode.Unmarshal(data, &chunk)
	return chunk, err
}

// DecodeSchema decodes a payload published on the schema subject.
func DecodeSchema(data []byte) (*stream.Schema, error) {
	var schema stream.Schema
	if err := decMode.Unmarshal(data, &schema); err != nil {
		return nil, err
	}
	return &schema, nil
}
