// Package config loads the run configuration. Sources are applied in
// order: built-in defaults, the YAML file named by --config, the .env
// file and process environment, then the flags the operator set
// explicitly.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/Uranury/OpmGo/sensors"
	"github.com/Uranury/OpmGo/stream"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

type NATSConfig struct {
	URL     string
	Subject string
}

type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// SimConfig shapes the simulated chassis bank.
type SimConfig struct {
	SensorsPerChassis int
	Fail              map[sensors.SensorID]sensors.Phase
	Unreachable       []string
}

// RunConfig is the immutable input of one run.
type RunConfig struct {
	Chassis     []string
	SkipRestart bool
	SkipZeroing bool
	ADC         bool

	StreamName string
	StreamID   string
	StreamType string

	// Duration of zero streams until interrupted.
	Duration           time.Duration
	Heartbeat          time.Duration
	InitTimeout        time.Duration
	FirstSampleTimeout time.Duration

	Unit       stream.Unit
	ClosedLoop bool
	Verbosity  int

	Listen     string
	NATS       NATSConfig
	Influx     InfluxConfig
	RecordPath string
	Sim        SimConfig
}

// Defaults returns the configuration used when no source sets a value.
func Defaults() RunConfig {
	return RunConfig{
		StreamName:  "FieldLineOPM",
		StreamID:    "FieldLineOPM_sid",
		StreamType:  "MEG",
		Heartbeat:   60 * time.Second,
		InitTimeout: time.Hour,
		Unit:        stream.DefaultUnit,
		ClosedLoop:  true,
		Listen:      ":8080",
		NATS:        NATSConfig{Subject: "opm"},
		Sim:         SimConfig{SensorsPerChassis: 4},
	}
}

// flagValues receives the raw flags before they are layered.
type flagValues struct {
	configPath         string
	envFile            string
	chassis            []string
	skipRestart        bool
	skipZeroing        bool
	adc                bool
	streamName         string
	streamID           string
	streamType         string
	duration           float64
	heartbeat          float64
	initTimeout        float64
	firstSampleTimeout float64
	unit               string
	mode               string
	verbosity          int
	listen             string
	natsURL            string
	natsSubject        string
	influxURL          string
	influxToken        string
	influxOrg          string
	influxBucket       string
	record             string
	simSensors         int
	simFail            []string
	simUnreachable     []string
}

// newFlagSet declares every command line flag. Errors are returned, not
// printed.
func newFlagSet(name string) (*pflag.FlagSet, *flagValues) {
	d := Defaults()
	v := &flagValues{}
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false
	fs.SetOutput(io.Discard)

	fs.StringArrayVarP(&v.chassis, "chassis", "c", nil, "chassis address, repeat for several chassis (required)")
	fs.BoolVar(&v.skipRestart, "skip-restart", false, "skip restarting the sensors")
	fs.BoolVar(&v.skipZeroing, "skip-zeroing", false, "skip coarse and fine zeroing")
	fs.BoolVar(&v.adc, "adc", false, "stream the ADC channel of every chassis")
	fs.StringVarP(&v.streamName, "stream-name", "n", d.StreamName, "name of the published stream")
	fs.StringVarP(&v.streamID, "stream-id", "i", d.StreamID, "unique source id of the published stream")
	fs.StringVar(&v.streamType, "stream-type", d.StreamType, "content type of the published stream")
	fs.Float64VarP(&v.duration, "duration", "t", 0, "streaming duration in seconds, 0 runs until interrupted")
	fs.Float64Var(&v.heartbeat, "heartbeat", d.Heartbeat.Seconds(), "seconds between progress reports")
	fs.Float64Var(&v.initTimeout, "init-timeout", d.InitTimeout.Seconds(), "seconds allowed for restart and for zeroing")
	fs.Float64Var(&v.firstSampleTimeout, "first-sample-timeout", 0, "seconds to wait for the first data chunk, 0 waits forever")
	fs.StringVar(&v.unit, "unit", string(d.Unit), "magnetometer unit: T, mT, uT, nT, pT or fT")
	fs.StringVar(&v.mode, "mode", "closed", "sensor loop mode: open or closed")
	fs.CountVarP(&v.verbosity, "verbose", "v", "increase log verbosity, up to -vvv")
	fs.StringVar(&v.configPath, "config", "", "YAML configuration file")
	fs.StringVar(&v.envFile, "env-file", ".env", "dotenv file loaded into the environment if present")
	fs.StringVar(&v.listen, "listen", d.Listen, "HTTP address for /ws, /status and /metrics, empty disables")
	fs.StringVar(&v.natsURL, "nats-url", "", "publish the stream to this NATS server")
	fs.StringVar(&v.natsSubject, "nats-subject", d.NATS.Subject, "NATS subject prefix")
	fs.StringVar(&v.influxURL, "influx-url", "", "write samples to this InfluxDB server")
	fs.StringVar(&v.influxToken, "influx-token", "", "InfluxDB token")
	fs.StringVar(&v.influxOrg, "influx-org", "", "InfluxDB organization")
	fs.StringVar(&v.influxBucket, "influx-bucket", "", "InfluxDB bucket")
	fs.StringVar(&v.record, "record", "", "write a compressed recording of the stream to this path")
	fs.IntVar(&v.simSensors, "sim-sensors", d.Sim.SensorsPerChassis, "simulated sensors per chassis")
	fs.StringArrayVar(&v.simFail, "sim-fail", nil, "scripted failure CC:SS:phase, repeatable")
	fs.StringArrayVar(&v.simUnreachable, "sim-unreachable", nil, "chassis address that does not answer, repeatable")
	return fs, v
}

// Usage returns the flag help text.
func Usage() string {
	fs, _ := newFlagSet("opm-bridge")
	return fs.FlagUsages()
}

// Load parses args and layers every configuration source. The returned
// error is pflag.ErrHelp when help was requested.
func Load(args []string) (RunConfig, error) {
	fs, v := newFlagSet("opm-bridge")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return RunConfig{}, err
		}
		return RunConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if fs.NArg() > 0 {
		return RunConfig{}, fmt.Errorf("%w: unexpected argument %q", ErrInvalid, fs.Arg(0))
	}

	cfg := Defaults()
	if v.configPath != "" {
		if err := applyFile(&cfg, v.configPath); err != nil {
			return RunConfig{}, err
		}
	}
	if err := loadEnvFile(v.envFile); err != nil {
		return RunConfig{}, err
	}
	if err := applyEnv(&cfg); err != nil {
		return RunConfig{}, err
	}
	if err := applyFlags(&cfg, fs, v); err != nil {
		return RunConfig{}, err
	}
	if cfg.Verbosity > 3 {
		cfg.Verbosity = 3
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, err
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func applyFlags(cfg *RunConfig, fs *pflag.FlagSet, v *flagValues) error {
	set := func(name string, apply func()) {
		if fs.Changed(name) {
			apply()
		}
	}
	set("chassis", func() { cfg.Chassis = v.chassis })
	set("skip-restart", func() { cfg.SkipRestart = v.skipRestart })
	set("skip-zeroing", func() { cfg.SkipZeroing = v.skipZeroing })
	set("adc", func() { cfg.ADC = v.adc })
	set("stream-name", func() { cfg.StreamName = v.streamName })
	set("stream-id", func() { cfg.StreamID = v.streamID })
	set("stream-type", func() { cfg.StreamType = v.streamType })
	set("duration", func() { cfg.Duration = seconds(v.duration) })
	set("heartbeat", func() { cfg.Heartbeat = seconds(v.heartbeat) })
	set("init-timeout", func() { cfg.InitTimeout = seconds(v.initTimeout) })
	set("first-sample-timeout", func() { cfg.FirstSampleTimeout = seconds(v.firstSampleTimeout) })
	set("unit", func() { cfg.Unit = stream.Unit(v.unit) })
	set("verbose", func() { cfg.Verbosity = v.verbosity })
	set("listen", func() { cfg.Listen = v.listen })
	set("nats-url", func() { cfg.NATS.URL = v.natsURL })
	set("nats-subject", func() { cfg.NATS.Subject = v.natsSubject })
	set("influx-url", func() { cfg.Influx.URL = v.influxURL })
	set("influx-token", func() { cfg.Influx.Token = v.influxToken })
	set("influx-org", func() { cfg.Influx.Org = v.influxOrg })
	set("influx-bucket", func() { cfg.Influx.Bucket = v.influxBucket })
	set("record", func() { cfg.RecordPath = v.record })
	set("sim-sensors", func() { cfg.Sim.SensorsPerChassis = v.simSensors })
	set("sim-unreachable", func() { cfg.Sim.Unreachable = v.simUnreachable })

	if fs.Changed("mode") {
		closed, err := parseMode(v.mode)
		if err != nil {
			return err
		}
		cfg.ClosedLoop = closed
	}
	if fs.Changed("sim-fail") {
		fail, err := parseSimFailures(v.simFail)
		if err != nil {
			return err
		}
		cfg.Sim.Fail = fail
	}
	return nil
}

func parseMode(mode string) (bool, error) {
	switch strings.ToLower(mode) {
	case "closed":
		return true, nil
	case "open":
		return false, nil
	}
	return false, fmt.Errorf("%w: mode %q, want open or closed", ErrInvalid, mode)
}

// ParseSimFailure parses a scripted failure of the form "CC:SS:phase".
func ParseSimFailure(s string) (sensors.SensorID, sensors.Phase, error) {
	i := strings.LastIndex(s, ":")
	if i < 0 {
		return sensors.SensorID{}, 0, fmt.Errorf("%w: sim failure %q, want CC:SS:phase", ErrInvalid, s)
	}
	id, err := sensors.ParseSensorID(s[:i])
	if err != nil {
		return sensors.SensorID{}, 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	phase, err := sensors.ParsePhase(s[i+1:])
	if err != nil {
		return sensors.SensorID{}, 0, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return id, phase, nil
}

func parseSimFailures(values []string) (map[sensors.SensorID]sensors.Phase, error) {
	fail := make(map[sensors.SensorID]sensors.Phase, len(values))
	for _, s := range values {
		id, phase, err := ParseSimFailure(s)
		if err != nil {
			return nil, err
		}
		fail[id] = phase
	}
	return fail, nil
}

// Validate checks the invariants a run depends on.
func (c RunConfig) Validate() error {
	var errs []error
	if len(c.Chassis) == 0 {
		errs = append(errs, errors.New("at least one chassis address is required"))
	}
	for _, addr := range c.Chassis {
		if strings.TrimSpace(addr) == "" {
			errs = append(errs, errors.New("chassis address must not be empty"))
		}
	}
	if c.Heartbeat <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat must be positive, got %s", c.Heartbeat))
	}
	if c.InitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("init timeout must be positive, got %s", c.InitTimeout))
	}
	if c.Duration < 0 {
		errs = append(errs, fmt.Errorf("duration must not be negative, got %s", c.Duration))
	}
	if c.FirstSampleTimeout < 0 {
		errs = append(errs, fmt.Errorf("first sample timeout must not be negative, got %s", c.FirstSampleTimeout))
	}
	if _, err := stream.ParseUnit(string(c.Unit)); err != nil {
		errs = append(errs, err)
	}
	if c.StreamName == "" || c.StreamID == "" {
		errs = append(errs, errors.New("stream name and id must not be empty"))
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		errs = append(errs, errors.New("NATS subject must not be empty"))
	}
	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		errs = append(errs, errors.New("InfluxDB org and bucket are required with an InfluxDB URL"))
	}
	if c.Sim.SensorsPerChassis < 0 {
		errs = append(errs, fmt.Errorf("simulated sensors per chassis must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// HandlerOptions maps the verbosity count onto slog handler options:
// info, debug, debug with source, trace with source.
func (c RunConfig) HandlerOptions() *slog.HandlerOptions {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	switch {
	case c.Verbosity >= 3:
		opts.Level = stream.LevelTrace
		opts.AddSource = true
	case c.Verbosity == 2:
		opts.Level = slog.LevelDebug
		opts.AddSource = true
	case c.Verbosity == 1:
		opts.Level = slog.LevelDebug
	}
	return opts
}

func parseBoolEnv(key string, dst *bool) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a boolean", ErrInvalid, key, raw)
	}
	*dst = b
	return nil
}

func parseSecondsEnv(key string, dst *time.Duration) error {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return nil
	}
	s, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("%w: %s=%q is not a number of seconds", ErrInvalid, key, raw)
	}
	*dst = seconds(s)
	return nil
}

func stringEnv(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func applyEnv(cfg *RunConfig) error {
	if v := os.Getenv("OPM_CHASSIS"); v != "" {
		cfg.Chassis = nil
		for _, addr := range strings.Split(v, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				cfg.Chassis = append(cfg.Chassis, addr)
			}
		}
	}
	stringEnv("OPM_STREAM_NAME", &cfg.StreamName)
	stringEnv("OPM_STREAM_ID", &cfg.StreamID)
	stringEnv("OPM_LISTEN", &cfg.Listen)
	stringEnv("OPM_RECORD", &cfg.RecordPath)
	stringEnv("NATS_URL", &cfg.NATS.URL)
	stringEnv("INFLUX_URL", &cfg.Influx.URL)
	stringEnv("INFLUX_TOKEN", &cfg.Influx.Token)
	stringEnv("INFLUX_ORG", &cfg.Influx.Org)
	stringEnv("INFLUX_BUCKET", &cfg.Influx.Bucket)

	return errors.Join(
		parseSecondsEnv("OPM_DURATION", &cfg.Duration),
		parseSecondsEnv("OPM_HEARTBEAT", &cfg.Heartbeat),
		parseSecondsEnv("OPM_INIT_TIMEOUT", &cfg.InitTimeout),
		parseBoolEnv("OPM_ADC", &cfg.ADC),
		parseBoolEnv("OPM_SKIP_RESTART", &cfg.SkipRestart),
		parseBoolEnv("OPM_SKIP_ZEROING", &cfg.SkipZeroing),
	)
}

// fileConfig is the YAML layout. Durations are seconds like on the
// command line; absent keys leave the lower layer untouched.
type fileConfig struct {
	Chassis            []string `yaml:"chassis"`
	SkipRestart        *bool    `yaml:"skip_restart"`
	SkipZeroing        *bool    `yaml:"skip_zeroing"`
	ADC                *bool    `yaml:"adc"`
	StreamName         string   `yaml:"stream_name"`
	StreamID           string   `yaml:"stream_id"`
	StreamType         string   `yaml:"stream_type"`
	Duration           *float64 `yaml:"duration"`
	Heartbeat          *float64 `yaml:"heartbeat"`
	InitTimeout        *float64 `yaml:"init_timeout"`
	FirstSampleTimeout *float64 `yaml:"first_sample_timeout"`
	Unit               string   `yaml:"unit"`
	Mode               string   `yaml:"mode"`
	Verbosity          *int     `yaml:"verbosity"`
	Listen             *string  `yaml:"listen"`
	NATS               struct {
		URL     string `yaml:"url"`
		Subject string `yaml:"subject"`
	} `yaml:"nats"`
	Influx struct {
		URL    string `yaml:"url"`
		Token  string `yaml:"token"`
		Org    string `yaml:"org"`
		Bucket string `yaml:"bucket"`
	} `yaml:"influx"`
	Record    string `yaml:"record"`
	Simulator struct {
		SensorsPerChassis *int     `yaml:"sensors_per_chassis"`
		Fail              []string `yaml:"fail"`
		Unreachable       []string `yaml:"unreachable"`
	} `yaml:"simulator"`
}

func applyFile(cfg *RunConfig, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, path, err)
	}

	if len(fc.Chassis) > 0 {
		cfg.Chassis = fc.Chassis
	}
	setPtr(&cfg.SkipRestart, fc.SkipRestart)
	setPtr(&cfg.SkipZeroing, fc.SkipZeroing)
	setPtr(&cfg.ADC, fc.ADC)
	setString(&cfg.StreamName, fc.StreamName)
	setString(&cfg.StreamID, fc.StreamID)
	setString(&cfg.StreamType, fc.StreamType)
	setSeconds(&cfg.Duration, fc.Duration)
	setSeconds(&cfg.Heartbeat, fc.Heartbeat)
	setSeconds(&cfg.InitTimeout, fc.InitTimeout)
	setSeconds(&cfg.FirstSampleTimeout, fc.FirstSampleTimeout)
	if fc.Unit != "" {
		cfg.Unit = stream.Unit(fc.Unit)
	}
	if fc.Mode != "" {
		closed, err := parseMode(fc.Mode)
		if err != nil {
			return err
		}
		cfg.ClosedLoop = closed
	}
	setPtr(&cfg.Verbosity, fc.Verbosity)
	setPtr(&cfg.Listen, fc.Listen)
	setString(&cfg.NATS.URL, fc.NATS.URL)
	setString(&cfg.NATS.Subject, fc.NATS.Subject)
	setString(&cfg.Influx.URL, fc.Influx.URL)
	setString(&cfg.Influx.Token, fc.Influx.Token)
	setString(&cfg.Influx.Org, fc.Influx.Org)
	setString(&cfg.Influx.Bucket, fc.Influx.Bucket)
	setString(&cfg.RecordPath, fc.Record)
	setPtr(&cfg.Sim.SensorsPerChassis, fc.Simulator.SensorsPerChassis)
	if len(fc.Simulator.Unreachable) > 0 {
		cfg.Sim.Unreachable = fc.Simulator.Unreachable
	}
	if len(fc.Simulator.Fail) > 0 {
		fail, err := parseSimFailures(fc.Simulator.Fail)
		if err != nil {
			return err
		}
		cfg.Sim.Fail = fail
	}
	return nil
}

func setPtr[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setString(dst *string, src string) {
	if src != "" {
		*dst = src
	}
}

func setSeconds(dst *time.Duration, src *float64) {
	if src != nil {
		*dst = seconds(*src)
	}
}
