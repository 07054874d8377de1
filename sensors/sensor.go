package sensors

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// SensorID addresses a sensor by chassis index and slot within that chassis.
type SensorID struct {
	Chassis int
	Slot    int
}

// String renders the id as "CC:SS", e.g. "00:01".
func (id SensorID) String() string {
	return fmt.Sprintf("%02d:%02d", id.Chassis, id.Slot)
}

// ParseSensorID parses the "CC:SS" form produced by String.
func ParseSensorID(s string) (SensorID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return SensorID{}, fmt.Errorf("sensor id %q: expected CC:SS", s)
	}
	chassis, err := strconv.Atoi(parts[0])
	if err != nil || chassis < 0 {
		return SensorID{}, fmt.Errorf("sensor id %q: invalid chassis index", s)
	}
	slot, err := strconv.Atoi(parts[1])
	if err != nil || slot < 0 {
		return SensorID{}, fmt.Errorf("sensor id %q: invalid slot index", s)
	}
	return SensorID{Chassis: chassis, Slot: slot}, nil
}

func (id SensorID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *SensorID) UnmarshalText(text []byte) error {
	parsed, err := ParseSensorID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// State is the lifecycle state of one sensor during initialization.
type State int

const (
	StateUnknown State = iota
	StateRestarting
	StateRestarted
	StateCoarseZeroing
	StateCoarseZeroed
	StateFineZeroing
	StateReady
	StateFailed
)

var stateNames = map[State]string{
	StateUnknown:       "unknown",
	StateRestarting:    "restarting",
	StateRestarted:     "restarted",
	StateCoarseZeroing: "coarse-zeroing",
	StateCoarseZeroed:  "coarse-zeroed",
	StateFineZeroing:   "fine-zeroing",
	StateReady:         "ready",
	StateFailed:        "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

// MarshalText lets states appear by name in JSON status output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Phase is one initialization step issued to a sensor.
type Phase int

const (
	PhaseRestart Phase = iota
	PhaseCoarseZero
	PhaseFineZero
)

func (p Phase) String() string {
	switch p {
	case PhaseRestart:
		return "restart"
	case PhaseCoarseZero:
		return "coarse-zero"
	case PhaseFineZero:
		return "fine-zero"
	}
	return "phase(" + strconv.Itoa(int(p)) + ")"
}

// ParsePhase accepts the names produced by String plus the short forms
// "coarse" and "fine".
func ParsePhase(s string) (Phase, error) {
	switch strings.ToLower(s) {
	case "restart":
		return PhaseRestart, nil
	case "coarse", "coarse-zero":
		return PhaseCoarseZero, nil
	case "fine", "fine-zero":
		return PhaseFineZero, nil
	}
	return 0, fmt.Errorf("unknown phase %q", s)
}

// PhaseResult is the structured outcome of one phase for one sensor.
// A nil Err means the phase succeeded.
type PhaseResult struct {
	Sensor SensorID
	Phase  Phase
	Err    error
}

// ErrPhaseFailed is wrapped by failures reported by the hardware.
var ErrPhaseFailed = errors.New("phase failed")
