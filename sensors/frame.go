package sensors

import (
	"fmt"
	"time"
)

// DataType is the trailing element of a channel label ("00:01:50").
type DataType int

const (
	DataTypeADC        DataType = 0
	DataTypeOpenLoop   DataType = 28
	DataTypeClosedLoop DataType = 50
)

// Role is the class of a channel as seen by stream consumers.
type Role string

const (
	RoleMagnetometer Role = "magnetometer"
	RoleADC          Role = "adc"
	RoleUnknown      Role = ""
)

// Role maps a data type to its channel class.
func (d DataType) Role() Role {
	switch d {
	case DataTypeOpenLoop, DataTypeClosedLoop:
		return RoleMagnetometer
	case DataTypeADC:
		return RoleADC
	}
	return RoleUnknown
}

// Mode is the human readable acquisition mode of the data type.
func (d DataType) Mode() string {
	switch d {
	case DataTypeOpenLoop:
		return "Open Loop"
	case DataTypeClosedLoop:
		return "Closed Loop"
	case DataTypeADC:
		return "ADC"
	}
	return "Unknown"
}

// ChannelLabel builds the "CC:SS:DT" label of a sensor channel.
func ChannelLabel(id SensorID, dt DataType) string {
	return fmt.Sprintf("%s:%d", id, int(dt))
}

// Frame is one channel value inside a raw sample.
type Frame struct {
	Channel     string   `json:"channel"`
	Sensor      SensorID `json:"sensor"`
	Type        DataType `json:"data_type"`
	Value       int32    `json:"data"`
	Calibration float64  `json:"calibration"`
}

// RawSample is every active channel at one acquisition instant.
type RawSample struct {
	Frames []Frame `json:"frames"`
}

// RawChunk is a self-describing batch from the hardware queue. Its arity
// is only known by looking at the frames.
type RawChunk struct {
	// Ticks is the chassis clock (25 MHz) at the first sample.
	Ticks    uint64      `json:"ticks"`
	Received time.Time   `json:"received"`
	Samples  []RawSample `json:"samples"`
}

// Arity returns the frame count of the first sample, or 0 for an empty chunk.
func (c RawChunk) Arity() int {
	if len(c.Samples) == 0 {
		return 0
	}
	return len(c.Samples[0].Frames)
}
