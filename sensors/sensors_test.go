package sensors

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSensorIDRoundTrip(t *testing.T) {
	id := SensorID{Chassis: 0, Slot: 1}
	assert.Equal(t, "00:01", id.String())

	parsed, err := ParseSensorID("01:12")
	require.NoError(t, err)
	assert.Equal(t, SensorID{Chassis: 1, Slot: 12}, parsed)

	for _, bad := range []string{"", "00", "00:01:28", "a:1", "1:-2"} {
		_, err := ParseSensorID(bad)
		assert.Error(t, err, bad)
	}
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateReady.Terminal())
	assert.True(t, StateFailed.Terminal())
	for _, s := range []State{StateUnknown, StateRestarting, StateRestarted, StateCoarseZeroing, StateCoarseZeroed, StateFineZeroing} {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestParsePhase(t *testing.T) {
	p, err := ParsePhase("coarse")
	require.NoError(t, err)
	assert.Equal(t, PhaseCoarseZero, p)

	p, err = ParsePhase("Fine-Zero")
	require.NoError(t, err)
	assert.Equal(t, PhaseFineZero, p)

	_, err = ParsePhase("zero")
	assert.Error(t, err)
}

func TestDataTypeRole(t *testing.T) {
	assert.Equal(t, RoleMagnetometer, DataTypeClosedLoop.Role())
	assert.Equal(t, RoleMagnetometer, DataTypeOpenLoop.Role())
	assert.Equal(t, RoleADC, DataTypeADC.Role())
	assert.Equal(t, RoleUnknown, DataType(7).Role())
	assert.Equal(t, "00:02:50", ChannelLabel(SensorID{Slot: 2}, DataTypeClosedLoop))
}

func TestResultFromDiagnostics(t *testing.T) {
	id := SensorID{Chassis: 0, Slot: 3}

	ok := ResultFromDiagnostics(id, PhaseRestart, []string{"restart begin", "restart complete"})
	assert.NoError(t, ok.Err)
	assert.Equal(t, id, ok.Sensor)
	assert.Equal(t, PhaseRestart, ok.Phase)

	// The marker is in the middle of the transcript, not the last line.
	failed := ResultFromDiagnostics(id, PhaseCoarseZero, []string{
		"coarse zero begin",
		"coarse zero ERROR 0x41",
		"state unchanged",
	})
	require.Error(t, failed.Err)
	assert.ErrorIs(t, failed.Err, ErrPhaseFailed)
	assert.Contains(t, failed.Err.Error(), "0x41")
}

func TestDialRequiresAddress(t *testing.T) {
	_, err := Dial(nil, SimOptions{})
	assert.ErrorIs(t, err, ErrNoChassis)
}

func TestDialSkipsUnreachable(t *testing.T) {
	conn, err := Dial([]string{"10.0.0.1", "10.0.0.2"}, SimOptions{
		SensorsPerChassis: 2,
		Unreachable:       []string{"10.0.0.1"},
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, []SensorID{{Chassis: 0, Slot: 1}, {Chassis: 0, Slot: 2}}, conn.Sensors())
}

func awaitResult(t *testing.T, conn *Simulated) PhaseResult {
	t.Helper()
	select {
	case r := <-conn.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no phase result delivered")
	}
	return PhaseResult{}
}

func TestSimulatedPhases(t *testing.T) {
	failing := SensorID{Chassis: 0, Slot: 2}
	conn, err := Dial([]string{"10.0.0.1"}, SimOptions{
		SensorsPerChassis: 2,
		Fail:              map[SensorID]Phase{failing: PhaseCoarseZero},
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer conn.Close()

	healthy := SensorID{Chassis: 0, Slot: 1}
	assert.False(t, conn.Started(healthy))

	require.NoError(t, conn.Restart(healthy))
	r := awaitResult(t, conn)
	assert.NoError(t, r.Err)
	assert.True(t, conn.Started(healthy))

	require.NoError(t, conn.Restart(failing))
	require.NoError(t, awaitResult(t, conn).Err)
	require.NoError(t, conn.CoarseZero(failing))
	r = awaitResult(t, conn)
	assert.Equal(t, failing, r.Sensor)
	assert.ErrorIs(t, r.Err, ErrPhaseFailed)
	assert.False(t, conn.Started(failing))

	assert.ErrorIs(t, conn.Restart(SensorID{Chassis: 4, Slot: 1}), ErrUnknownSensor)
}

func TestSimulatedZeroWithoutStart(t *testing.T) {
	conn, err := Dial([]string{"10.0.0.1"}, SimOptions{SensorsPerChassis: 1, Logger: quietLogger()})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.CoarseZero(SensorID{Chassis: 0, Slot: 1}))
	r := awaitResult(t, conn)
	assert.ErrorIs(t, r.Err, ErrPhaseFailed)
}

func TestSimulatedStreamsStartedSensors(t *testing.T) {
	conn, err := Dial([]string{"10.0.0.1"}, SimOptions{
		SensorsPerChassis: 3,
		Started:           true,
		ChunkInterval:     time.Millisecond,
		Logger:            quietLogger(),
	})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetADC(true))
	require.NoError(t, conn.StartData(context.Background()))

	select {
	case chunk := <-conn.Samples():
		require.Len(t, chunk.Samples, 10)
		assert.Equal(t, 4, chunk.Arity())
		frames := chunk.Samples[0].Frames
		assert.Equal(t, "00:00:0", frames[0].Channel)
		assert.Equal(t, "00:01:50", frames[1].Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no chunk produced")
	}
	require.NoError(t, conn.StopData())
}

func TestSimulatedSilentWithoutSensors(t *testing.T) {
	conn, err := Dial([]string{"10.0.0.1"}, SimOptions{
		Unreachable:   []string{"10.0.0.1"},
		ChunkInterval: time.Millisecond,
		Logger:        quietLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, conn.StartData(context.Background()))

	select {
	case <-conn.Samples():
		t.Fatal("an empty bank must not produce chunks")
	case <-time.After(50 * time.Millisecond):
	}
	require.NoError(t, conn.Close())

	_, open := <-conn.Samples()
	assert.False(t, open)
}
