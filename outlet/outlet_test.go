package outlet

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uranury/OpmGo/sensors"
	"github.com/Uranury/OpmGo/stream"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSchema() *stream.Schema {
	return &stream.Schema{
		Name:        "test",
		SourceID:    "test_sid",
		Type:        "MEG",
		NominalRate: 1000,
		Format:      "float32",
		Channels: []stream.Channel{
			{Label: "00:01:50", Sensor: sensors.SensorID{Slot: 1}, Unit: stream.UnitFemtoTesla, Role: sensors.RoleMagnetometer, Mode: "Closed Loop", Scale: 1},
			{Label: "00:02:50", Sensor: sensors.SensorID{Slot: 2}, Unit: stream.UnitFemtoTesla, Role: sensors.RoleMagnetometer, Mode: "Closed Loop", Scale: 1},
		},
		SessionID: "5f0c6f0e-2d1a-4a55-9a53-3f8f5c1f7a10",
		Created:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RawArity:  2,
	}
}

func testChunk(base float64) stream.Chunk {
	return stream.Chunk{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 1, 500_000_000, time.UTC),
		Samples:   [][]float64{{base, base + 1}, {base + 2, base + 3}},
	}
}

func TestHubBroadcasts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub(quietLogger())
	router := gin.New()
	router.GET("/ws", hub.Handle)
	server := httptest.NewServer(router)
	defer server.Close()

	sink, err := hub.Open(context.Background(), testSchema())
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageSchema, msg.Type)
	require.NotNil(t, msg.Schema)
	assert.Equal(t, []string{"00:01:50", "00:02:50"}, msg.Schema.Labels())
	assert.Equal(t, sensors.SensorID{Slot: 2}, msg.Schema.Channels[1].Sensor)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, sink.Push(context.Background(), testChunk(10)))

	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageChunk, msg.Type)
	require.NotNil(t, msg.Chunk)
	assert.Equal(t, [][]float64{{10, 11}, {12, 13}}, msg.Chunk.Samples)

	require.NoError(t, sink.Close())
	msg = Message{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, MessageEnd, msg.Type)
	assert.Equal(t, 0, hub.Clients())
}

type fakePublisher struct {
	mu        sync.Mutex
	published map[string][][]byte
	failOn    string
	flushed   int
	drained   bool
}

func (p *fakePublisher) Publish(subject string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if subject == p.failOn {
		return errors.New("nats: connection closed")
	}
	if p.published == nil {
		p.published = make(map[string][][]byte)
	}
	p.published[subject] = append(p.published[subject], data)
	return nil
}

func (p *fakePublisher) Flush() error {
	p.flushed++
	return nil
}

func (p *fakePublisher) Drain() error {
	p.drained = true
	return nil
}

func TestNATSPublishesCBOR(t *testing.T) {
	pub := &fakePublisher{}
	n := newNATS(pub, "lab", quietLogger())

	sink, err := n.Open(context.Background(), testSchema())
	require.NoError(t, err)
	require.NoError(t, sink.Push(context.Background(), testChunk(1)))
	require.NoError(t, sink.Close())
	require.NoError(t, n.Close())

	require.Len(t, pub.published["lab.schema"], 1)
	schema, err := DecodeSchema(pub.published["lab.schema"][0])
	require.NoError(t, err)
	assert.Equal(t, "test_sid", schema.SourceID)
	assert.Equal(t, sensors.SensorID{Slot: 1}, schema.Channels[0].Sensor)
	assert.True(t, testSchema().Created.Equal(schema.Created))

	require.Len(t, pub.published["lab.chunks"], 1)
	chunk, err := DecodeChunk(pub.published["lab.chunks"][0])
	require.NoError(t, err)
	assert.Equal(t, testChunk(1).Samples, chunk.Samples)
	assert.True(t, testChunk(1).Timestamp.Equal(chunk.Timestamp))

	assert.Equal(t, 1, pub.flushed)
	assert.True(t, pub.drained)
}

func TestNATSPublishFailure(t *testing.T) {
	pub := &fakePublisher{failOn: "opm.chunks"}
	sink, err := newNATS(pub, "", quietLogger()).Open(context.Background(), testSchema())
	require.NoError(t, err)
	assert.ErrorContains(t, sink.Push(context.Background(), testChunk(1)), "connection closed")
}

type fakeWriter struct {
	mu     sync.Mutex
	points []*write.Point
	errs   chan error
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, p)
}

func (w *fakeWriter) Errors() <-chan error { return w.errs }
func (w *fakeWriter) Flush()               {}

func TestInfluxWritesOnePointPerSample(t *testing.T) {
	writer := &fakeWriter{errs: make(chan error)}
	defer close(writer.errs)
	o := &Influx{writer: writer, logger: quietLogger()}

	sink, err := o.Open(context.Background(), testSchema())
	require.NoError(t, err)
	require.NoError(t, sink.Push(context.Background(), testChunk(5)))

	require.Len(t, writer.points, 2)
	first, second := writer.points[0], writer.points[1]
	assert.Equal(t, Measurement, first.Name())
	assert.Len(t, first.FieldList(), 2)
	assert.Len(t, first.TagList(), 2)
	assert.Equal(t, time.Millisecond, second.Time().Sub(first.Time()))

	writer.errs <- errors.New("bucket not found")
	require.Eventually(t, func() bool {
		return sink.Push(context.Background(), testChunk(5)) != nil
	}, 2*time.Second, 5*time.Millisecond)
	assert.ErrorContains(t, sink.Close(), "bucket not found")
}

func TestRecordingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.cbor.zst")
	rec := NewRecording(path, quietLogger())

	sink, err := rec.Open(context.Background(), testSchema())
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, sink.Push(context.Background(), testChunk(float64(i*10))))
	}
	require.NoError(t, sink.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	schema, chunks, err := ReadRecording(f)
	require.NoError(t, err)
	assert.Equal(t, "test", schema.Name)
	require.Len(t, chunks, 3)
	assert.Equal(t, [][]float64{{20, 21}, {22, 23}}, chunks[2].Samples)
}

func encodeRecording(t *testing.T, msgs ...Message) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	enc := encMode.NewEncoder(zw)
	for _, msg := range msgs {
		require.NoError(t, enc.Encode(msg))
	}
	require.NoError(t, zw.Close())
	return &buf
}

func TestReadRecordingRejectsEmptyRecords(t *testing.T) {
	tests := map[string][]Message{
		"schema without payload": {{Type: MessageSchema}},
		"chunk without payload":  {{Type: MessageSchema, Schema: testSchema()}, {Type: MessageChunk}},
		"chunk before schema":    {{Type: MessageChunk, Chunk: &stream.Chunk{}}},
		"no schema":              {{Type: MessageEnd}},
	}
	for name, msgs := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, err := ReadRecording(encodeRecording(t, msgs...))
			assert.ErrorIs(t, err, ErrMalformedRecording)
		})
	}
}

func TestReadRecordingKeepsChunksBeforeCorruption(t *testing.T) {
	chunk := testChunk(1)
	schema, chunks, err := ReadRecording(encodeRecording(t,
		Message{Type: MessageSchema, Schema: testSchema()},
		Message{Type: MessageChunk, Chunk: &chunk},
		Message{Type: MessageChunk},
	))
	require.ErrorIs(t, err, ErrMalformedRecording)
	assert.ErrorContains(t, err, "chunk record without payload")
	require.NotNil(t, schema)
	assert.Len(t, chunks, 1)
}

type stubOutlet struct {
	openErr error
	sink    *stubSink
}

func (o *stubOutlet) Open(context.Context, *stream.Schema) (stream.Sink, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	o.sink = &stubSink{}
	return o.sink, nil
}

type stubSink struct {
	pushErr error
	pushed  int
	closed  bool
}

func (s *stubSink) Push(context.Context, stream.Chunk) error {
	if s.pushErr != nil {
		return s.pushErr
	}
	s.pushed++
	return nil
}

func (s *stubSink) Close() error {
	s.closed = true
	return nil
}

func TestFanoutOpenFailureClosesOpened(t *testing.T) {
	good := &stubOutlet{}
	fan := NewFanout(quietLogger())
	fan.Add("hub", good)
	fan.Add("nats", &stubOutlet{openErr: errors.New("no servers available")})

	_, err := fan.Open(context.Background(), testSchema())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats: no servers available")
	assert.True(t, good.sink.closed)
}

func TestFanoutPushReachesEverySink(t *testing.T) {
	a, b := &stubOutlet{}, &stubOutlet{}
	fan := NewFanout(quietLogger())
	fan.Add("a", a)
	fan.Add("b", b)
	assert.Equal(t, []string{"a", "b"}, fan.Names())

	sink, err := fan.Open(context.Background(), testSchema())
	require.NoError(t, err)
	require.NoError(t, sink.Push(context.Background(), testChunk(0)))

	b.sink.pushErr = errors.New("disk full")
	err = sink.Push(context.Background(), testChunk(0))
	assert.ErrorContains(t, err, "b: disk full")
	assert.Equal(t, 2, a.sink.pushed)

	require.NoError(t, sink.Close())
	assert.True(t, a.sink.closed)
	assert.True(t, b.sink.closed)
}
