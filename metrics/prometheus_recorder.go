package metrics

import (
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	phaseResults    *prom.CounterVec
	sensorsReady    prom.Gauge
	initDuration    prom.Histogram
	chunksForwarded prom.Counter
	samplesForward  prom.Counter
	chunksDiscarded prom.Counter
	queueDepth      prom.Gauge
}

// NewPrometheusRecorder constructs the acquisition metrics and registers them on reg.
func NewPrometheusRecorder(reg *prom.Registry) *PrometheusRecorder {
	if reg == nil {
		reg = prom.NewRegistry()
	}
	pr := &PrometheusRecorder{
		phaseResults: prom.NewCounterVec(prom.CounterOpts{
			Namespace: "opm",
			Name:      "init_phase_results_total",
			Help:      "Per-sensor initialization phase outcomes",
		}, []string{"phase", "result"}),
		sensorsReady: prom.NewGauge(prom.GaugeOpts{
			Namespace: "opm",
			Name:      "sensors_ready",
			Help:      "Sensors that completed initialization",
		}),
		initDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: "opm",
			Name:      "init_duration_seconds",
			Help:      "Wall-clock duration of sensor initialization",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 900, 3600},
		}),
		chunksForwarded: prom.NewCounter(prom.CounterOpts{
			Namespace: "opm",
			Name:      "chunks_forwarded_total",
			Help:      "Chunks pushed to the outlet",
		}),
		samplesForward: prom.NewCounter(prom.CounterOpts{
			Namespace: "opm",
			Name:      "samples_forwarded_total",
			Help:      "Samples pushed to the outlet",
		}),
		chunksDiscarded: prom.NewCounter(prom.CounterOpts{
			Namespace: "opm",
			Name:      "chunks_discarded_total",
			Help:      "Stale chunks drained when the outlet opened",
		}),
		queueDepth: prom.NewGauge(prom.GaugeOpts{
			Namespace: "opm",
			Name:      "queue_depth",
			Help:      "Raw chunks waiting in the hardware queue at the last heartbeat",
		}),
	}
	reg.MustRegister(pr.phaseResults, pr.sensorsReady, pr.initDuration, pr.chunksForwarded,
		pr.samplesForward, pr.chunksDiscarded, pr.queueDepth)
	return pr
}

func (p *PrometheusRecorder) IncPhaseResult(phase string, result ResultLabel) {
	if p == nil {
		return
	}
	p.phaseResults.WithLabelValues(phase, string(result)).Inc()
}

func (p *PrometheusRecorder) SetSensorsReady(n int) {
	if p == nil {
		return
	}
	p.sensorsReady.Set(float64(n))
}

func (p *PrometheusRecorder) ObserveInitDuration(d time.Duration) {
	if p == nil {
		return
	}
	p.initDuration.Observe(d.Seconds())
}

func (p *PrometheusRecorder) AddChunksForwarded(chunks, samples int) {
	if p == nil {
		return
	}
	p.chunksForwarded.Add(float64(chunks))
	p.samplesForward.Add(float64(samples))
}

func (p *PrometheusRecorder) AddChunksDiscarded(n int) {
	if p == nil {
		return
	}
	p.chunksDiscarded.Add(float64(n))
}

func (p *PrometheusRecorder) SetQueueDepth(n int) {
	if p == nil {
		return
	}
	p.queueDepth.Set(float64(n))
}

// HTTPHandler returns an http.Handler that serves Prometheus metrics for the provided registry.
func HTTPHandler(reg *prom.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
