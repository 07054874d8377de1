package metrics

import "time"

// ResultLabel enumerates phase outcomes for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailed  ResultLabel = "failed"
	ResultTimeout ResultLabel = "timeout"
)

// Recorder defines the acquisition observability hooks.
type Recorder interface {
	IncPhaseResult(phase string, result ResultLabel)
	SetSensorsReady(n int)
	ObserveInitDuration(d time.Duration)
	AddChunksForwarded(chunks, samples int)
	AddChunksDiscarded(n int)
	SetQueueDepth(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not configured).
type NoopRecorder struct{}

func (NoopRecorder) IncPhaseResult(string, ResultLabel) {}
func (NoopRecorder) SetSensorsReady(int)                {}
func (NoopRecorder) ObserveInitDuration(time.Duration)  {}
func (NoopRecorder) AddChunksForwarded(int, int)        {}
func (NoopRecorder) AddChunksDiscarded(int)             {}
func (NoopRecorder) SetQueueDepth(int)                  {}
