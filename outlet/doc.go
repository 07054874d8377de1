// Package outlet provides the sinks a stream is published to: a WebSocket
// hub, a NATS publisher, an InfluxDB writer and a compressed recording
// file, plus a fan-out that feeds several of them at once.
package outlet
