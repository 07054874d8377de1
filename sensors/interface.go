package sensors

import "context"

// Chassis is a connection to one or more chassis that together host the
// sensor bank. Implementations report phase outcomes asynchronously on
// Results and produce sample chunks on Samples once StartData is called.
type Chassis interface {
	// Sensors lists every sensor discovered on the connected chassis.
	Sensors() []SensorID
	// Started reports whether the sensor is already running, which is
	// required when the restart phase is skipped.
	Started(id SensorID) bool

	Restart(id SensorID) error
	CoarseZero(id SensorID) error
	FineZero(id SensorID) error
	// Results delivers one PhaseResult per issued command.
	Results() <-chan PhaseResult

	// SetClosedLoop selects closed (true) or open loop operation.
	SetClosedLoop(closed bool) error
	SetADC(enabled bool) error
	StartData(ctx context.Context) error
	StopData() error
	// Samples is the merged inbound queue of all chassis.
	Samples() <-chan RawChunk

	Close() error
}
