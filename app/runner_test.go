package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Uranury/OpmGo/initializer"
	"github.com/Uranury/OpmGo/metrics"
	"github.com/Uranury/OpmGo/sensors"
	"github.com/Uranury/OpmGo/stream"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type memorySink struct {
	mu     sync.Mutex
	chunks int
	closed bool
}

func (s *memorySink) Push(context.Context, stream.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks++
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryOutlet struct {
	opened chan *stream.Schema
	sink   memorySink
}

func (o *memoryOutlet) Open(_ context.Context, schema *stream.Schema) (stream.Sink, error) {
	o.opened <- schema
	return &o.sink, nil
}

func TestRunStreamsReadySensors(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := sensors.Dial([]string{"192.168.2.43"}, sensors.SimOptions{
		SensorsPerChassis: 3,
		Fail:              map[sensors.SensorID]sensors.Phase{{Chassis: 0, Slot: 2}: sensors.PhaseCoarseZero},
		ChunkInterval:     time.Millisecond,
		Logger:            quiet,
	})
	require.NoError(t, err)
	defer conn.Close()

	var logs syncBuffer
	clock := clockwork.NewFakeClock()
	outlet := &memoryOutlet{opened: make(chan *stream.Schema, 1)}
	runner := NewRunner(conn, outlet, Options{
		Init:       initializer.Options{Timeout: 5 * time.Second},
		Stream:     stream.InferOptions{Name: "FieldLineOPM"},
		Bridge:     stream.BridgeOptions{Duration: 20 * time.Second, Heartbeat: 10 * time.Second},
		ClosedLoop: true,
	}, clock, slog.New(slog.NewTextHandler(&logs, nil)), nil)

	done := make(chan error, 1)
	go func() { done <- runner.Run(context.Background()) }()

	var schema *stream.Schema
	select {
	case schema = <-outlet.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
	}
	assert.Equal(t, []string{"00:01:50", "00:03:50"}, schema.Labels())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(10 * time.Second)
	}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not end after its duration")
	}

	assert.Equal(t, 2, strings.Count(logs.String(), "Streaming data on FieldLineOPM since"))
	assert.True(t, outlet.sink.closed)

	snap := runner.Status().Snapshot()
	assert.Equal(t, PhaseFinished, snap.Phase)
	require.Len(t, snap.Sensors, 3)
	assert.Equal(t, sensors.StateReady, snap.Sensors[0].State)
	assert.Equal(t, sensors.StateFailed, snap.Sensors[1].State)
	assert.Contains(t, snap.Sensors[1].Error, "coarse-zero")
	assert.Equal(t, sensors.StateReady, snap.Sensors[2].State)
	assert.Equal(t, int64(outlet.sink.chunks), snap.ChunksForwarded)
}

type phaseCounter struct {
	metrics.NoopRecorder
	mu      sync.Mutex
	results map[string]int
}

func (r *phaseCounter) IncPhaseResult(phase string, result metrics.ResultLabel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = make(map[string]int)
	}
	r.results[phase+"/"+string(result)]++
}

func (r *phaseCounter) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[key]
}

func TestRunStreamsTimedOutSensor(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := sensors.Dial([]string{"192.168.2.43"}, sensors.SimOptions{
		SensorsPerChassis: 2,
		Silent:            map[sensors.SensorID]sensors.Phase{{Chassis: 0, Slot: 2}: sensors.PhaseFineZero},
		ChunkInterval:     time.Millisecond,
		Logger:            quiet,
	})
	require.NoError(t, err)
	defer conn.Close()

	clock := clockwork.NewFakeClock()
	recorder := &phaseCounter{}
	outlet := &memoryOutlet{opened: make(chan *stream.Schema, 1)}
	runner := NewRunner(conn, outlet, Options{
		Init:       initializer.Options{Timeout: 5 * time.Second},
		ClosedLoop: true,
	}, clock, quiet, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()

	require.Eventually(t, func() bool {
		return recorder.count("fine-zero/success") == 1
	}, 5*time.Second, time.Millisecond)
	wait, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	require.NoError(t, clock.BlockUntilContext(wait, 1))
	clock.Advance(5 * time.Second)

	var schema *stream.Schema
	select {
	case schema = <-outlet.opened:
	case <-time.After(5 * time.Second):
		t.Fatal("stream never opened")
	}
	// The timed-out sensor is still streaming, so its channel stays in the schema.
	assert.Equal(t, []string{"00:01:50", "00:02:50"}, schema.Labels())

	cancel()
	require.NoError(t, <-done)

	snap := runner.Status().Snapshot()
	require.Len(t, snap.Sensors, 2)
	assert.Equal(t, sensors.StateReady, snap.Sensors[0].State)
	assert.Equal(t, sensors.StateFailed, snap.Sensors[1].State)
	assert.Contains(t, snap.Sensors[1].Error, "timed out")
	assert.Equal(t, 1, recorder.count("fine-zero/timeout"))
}

func TestRunWithoutReachableChassis(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := sensors.Dial([]string{"192.168.2.43"}, sensors.SimOptions{
		Unreachable:   []string{"192.168.2.43"},
		ChunkInterval: time.Millisecond,
		Logger:        quiet,
	})
	require.NoError(t, err)
	defer conn.Close()

	outlet := &memoryOutlet{opened: make(chan *stream.Schema, 1)}
	runner := NewRunner(conn, outlet, Options{}, nil, quiet, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	err = runner.Run(ctx)

	assert.ErrorIs(t, err, ErrNoReadySensors)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Empty(t, outlet.opened)
	assert.Equal(t, PhaseFailed, runner.Status().Snapshot().Phase)
}

func TestRunFirstSampleTimeout(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	conn, err := sensors.Dial([]string{"192.168.2.43"}, sensors.SimOptions{
		Unreachable: []string{"192.168.2.43"},
		Logger:      quiet,
	})
	require.NoError(t, err)
	defer conn.Close()

	runner := NewRunner(conn, &memoryOutlet{opened: make(chan *stream.Schema, 1)},
		Options{FirstSampleTimeout: 50 * time.Millisecond}, nil, quiet, nil)
	err = runner.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoReadySensors)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStatusHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	status := newStatus()
	status.setReport(initializer.Report{Sensors: []initializer.SensorStatus{
		{ID: sensors.SensorID{Chassis: 0, Slot: 1}, State: sensors.StateReady},
	}})

	router := gin.New()
	router.GET("/status", status.Handle)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, PhaseStarting, body["phase"])
	sensorsList := body["sensors"].([]any)
	require.Len(t, sensorsList, 1)
	first := sensorsList[0].(map[string]any)
	assert.Equal(t, "00:01", first["id"])
	assert.Equal(t, "ready", first["state"])
}
