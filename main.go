// opm-bridge initializes a bank of optically pumped magnetometers and
// republishes their samples as a timestamped stream over WebSocket, NATS,
// InfluxDB or a compressed recording.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/Uranury/OpmGo/app"
	"github.com/Uranury/OpmGo/config"
	"github.com/Uranury/OpmGo/initializer"
	"github.com/Uranury/OpmGo/metrics"
	"github.com/Uranury/OpmGo/outlet"
	"github.com/Uranury/OpmGo/sensors"
	"github.com/Uranury/OpmGo/stream"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: opm-bridge -c ADDRESS [-c ADDRESS ...] [flags]\n\n%s", config.Usage())
}

func endWithError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
	printUsage()
	os.Exit(1)
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		printUsage()
		return
	}
	if err != nil {
		endWithError(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, cfg.HandlerOptions()))
	slog.SetDefault(logger)

	ctx, finish := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer finish()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("run failed", "error", err)
		finish()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.RunConfig, logger *slog.Logger) error {
	registry := prometheus.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	conn, err := sensors.Dial(cfg.Chassis, sensors.SimOptions{
		SensorsPerChassis: cfg.Sim.SensorsPerChassis,
		Unreachable:       cfg.Sim.Unreachable,
		Started:           cfg.SkipRestart,
		Fail:              cfg.Sim.Fail,
		Logger:            logger.With("component", "chassis"),
	})
	if err != nil {
		return fmt.Errorf("connect chassis: %w", err)
	}
	defer conn.Close()

	hub := outlet.NewHub(logger.With("component", "websocket"))
	fanout := outlet.NewFanout(logger)
	fanout.Add("websocket", hub)

	if cfg.NATS.URL != "" {
		nc, err := outlet.DialNATS(cfg.NATS.URL, cfg.NATS.Subject, logger.With("component", "nats"))
		if err != nil {
			return err
		}
		defer func() {
			if err := nc.Close(); err != nil {
				logger.Warn("failed to drain NATS connection", "error", err)
			}
		}()
		fanout.Add("nats", nc)
	}
	if cfg.Influx.URL != "" {
		influx := outlet.NewInflux(cfg.Influx.URL, cfg.Influx.Token, cfg.Influx.Org, cfg.Influx.Bucket,
			logger.With("component", "influx"))
		defer influx.Close()
		fanout.Add("influx", influx)
	}
	if cfg.RecordPath != "" {
		fanout.Add("recording", outlet.NewRecording(cfg.RecordPath, logger.With("component", "recording")))
	}

	runner := app.NewRunner(conn, fanout, app.Options{
		Init: initializer.Options{
			SkipRestart: cfg.SkipRestart,
			SkipZeroing: cfg.SkipZeroing,
			Timeout:     cfg.InitTimeout,
		},
		Stream: stream.InferOptions{
			Name:     cfg.StreamName,
			SourceID: cfg.StreamID,
			Type:     cfg.StreamType,
			Unit:     cfg.Unit,
			ADC:      cfg.ADC,
		},
		Bridge: stream.BridgeOptions{
			Duration:  cfg.Duration,
			Heartbeat: cfg.Heartbeat,
		},
		ClosedLoop:         cfg.ClosedLoop,
		FirstSampleTimeout: cfg.FirstSampleTimeout,
	}, clockwork.NewRealClock(), logger, recorder)

	if cfg.Listen != "" {
		srv := newServer(cfg.Listen, cfg.Verbosity > 0, hub, runner.Status(), registry)
		go srv.serve(logger)
		defer srv.shutdown(logger)
	}

	logger.Info("Starting run", "chassis", cfg.Chassis, "outlets", fanout.Names(),
		"duration", cfg.Duration, "heartbeat", cfg.Heartbeat)
	return runner.Run(ctx)
}
