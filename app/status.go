package app

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/Uranury/OpmGo/initializer"
	"github.com/Uranury/OpmGo/sensors"
	"github.com/Uranury/OpmGo/stream"
)

// Run phases reported by Status.
const (
	PhaseStarting       = "starting"
	PhaseInitializing   = "initializing"
	PhaseWaitingForData = "waiting_for_data"
	PhaseStreaming      = "streaming"
	PhaseFinished       = "finished"
	PhaseFailed         = "failed"
)

// SensorSnapshot is the reported state of one sensor.
type SensorSnapshot struct {
	ID    sensors.SensorID `json:"id"`
	State sensors.State    `json:"state"`
	Error string           `json:"error,omitempty"`
}

// Snapshot is a consistent copy of the run status.
type Snapshot struct {
	Phase           string           `json:"phase"`
	Sensors         []SensorSnapshot `json:"sensors"`
	Schema          *stream.Schema   `json:"schema,omitempty"`
	ChunksForwarded int64            `json:"chunks_forwarded"`
}

// Status is written by the runner and read by the HTTP surface.
type Status struct {
	mu        sync.Mutex
	phase     string
	sensors   []SensorSnapshot
	schema    *stream.Schema
	forwarded func() int64
}

func newStatus() *Status {
	return &Status{phase: PhaseStarting}
}

func (s *Status) setPhase(phase string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
}

func (s *Status) setReport(report initializer.Report) {
	snaps := make([]SensorSnapshot, len(report.Sensors))
	for i, st := range report.Sensors {
		snaps[i] = SensorSnapshot{ID: st.ID, State: st.State}
		if st.Err != nil {
			snaps[i].Error = st.Err.Error()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sensors = snaps
}

func (s *Status) setStreaming(schema *stream.Schema, forwarded func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseStreaming
	s.schema = schema
	s.forwarded = forwarded
}

func (s *Status) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Phase:   s.phase,
		Sensors: make([]SensorSnapshot, len(s.sensors)),
		Schema:  s.schema,
	}
	copy(snap.Sensors, s.sensors)
	if s.forwarded != nil {
		snap.ChunksForwarded = s.forwarded()
	}
	return snap
}

// Handle serves the snapshot as JSON.
func (s *Status) Handle(c *gin.Context) {
	c.JSON(http.StatusOK, s.Snapshot())
}
