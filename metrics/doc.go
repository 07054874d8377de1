// Package metrics exposes acquisition counters without coupling the
// initialization and streaming code to a metrics backend.
//
// Components receive a Recorder and default to NoopRecorder. The binary
// swaps in a PrometheusRecorder registered on the registry that backs the
// /metrics endpoint.
package metrics
