package stream

import (
	"time"

	"github.com/Uranury/OpmGo/sensors"
)

// TimestampMapper maps chassis tick counters onto local capture time.
// The first mapped chunk anchors the chassis clock to its receive time.
type TimestampMapper struct {
	anchored    bool
	anchorTicks uint64
	anchor      time.Time
}

// Map returns the local capture time of a chunk.
func (m *TimestampMapper) Map(ticks uint64, received time.Time) time.Time {
	if !m.anchored {
		m.anchored = true
		m.anchorTicks = ticks
		m.anchor = received
		return received
	}
	delta := int64(ticks - m.anchorTicks)
	return m.anchor.Add(time.Duration(delta) * (time.Second / sensors.TicksPerSecond))
}
