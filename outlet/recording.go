package outlet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/Uranury/OpmGo/stream"
)

// ErrMalformedRecording is returned by ReadRecording for records that
// cannot belong to a stream written by Recording.
var ErrMalformedRecording = errors.New("malformed recording")

// Recording writes the stream to a zstd-compressed sequence of CBOR
// messages: the schema first, then every chunk, then an end marker.
type Recording struct {
	path   string
	logger *slog.Logger
}

// NewRecording returns an outlet that writes to path, replacing any existing file.
func NewRecording(path string, logger *slog.Logger) *Recording {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recording{path: path, logger: logger}
}

func (r *Recording) Open(_ context.Context, schema *stream.Schema) (stream.Sink, error) {
	file, err := os.Create(r.path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("create recording: %w", err)
	}
	sink := &recordingSink{file: file, zw: zw, enc: encMode.NewEncoder(zw)}
	if err := sink.enc.Encode(Message{Type: MessageSchema, Schema: schema}); err != nil {
		return nil, errors.Join(fmt.Errorf("write recording header: %w", err), sink.closeFiles())
	}
	r.logger.Info("recording stream", "path", r.path, "channels", len(schema.Channels))
	return sink, nil
}

type recordingSink struct {
	file *os.File
	zw   *zstd.Encoder
	enc  *cbor.Encoder
}

func (s *recordingSink) Push(_ context.Context, chunk stream.Chunk) error {
	if err := s.enc.Encode(Message{Type: MessageChunk, Chunk: &chunk}); err != nil {
		return fmt.Errorf("write recording: %w", err)
	}
	return nil
}

func (s *recordingSink) Close() error {
	err := s.enc.Encode(Message{Type: MessageEnd})
	return errors.Join(err, s.closeFiles())
}

func (s *recordingSink) closeFiles() error {
	return errors.Join(s.zw.Close(), s.file.Close())
}

// ReadRecording decodes a file written by Recording. A recording cut
// short without its end marker still returns every complete chunk.
func ReadRecording(r io.Reader) (*stream.Schema, []stream.Chunk, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open recording: %w", err)
	}
	defer zr.Close()

	dec := decMode.NewDecoder(zr)
	var (
		schema *stream.Schema
		chunks []stream.Chunk
	)
	for {
		var msg Message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return schema, chunks, fmt.Errorf("decode recording: %w", err)
		}
		switch msg.Type {
		case MessageSchema:
			if msg.Schema == nil {
				return nil, nil, fmt.Errorf("decode recording: %w: schema record without payload", ErrMalformedRecording)
			}
			schema = msg.Schema
		case MessageChunk:
			if schema == nil {
				return nil, nil, fmt.Errorf("decode recording: %w: chunk before schema", ErrMalformedRecording)
			}
			if msg.Chunk == nil {
				return schema, chunks, fmt.Errorf("decode recording: %w: chunk record without payload", ErrMalformedRecording)
			}
			chunks = append(chunks, *msg.Chunk)
		case MessageEnd:
			return schema, chunks, nil
		}
	}
	if schema == nil {
		return nil, nil, fmt.Errorf("decode recording: %w: no schema", ErrMalformedRecording)
	}
	return schema, chunks, nil
}
