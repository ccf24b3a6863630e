package poller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpreisner/scadapoll/internal/sink"
	"github.com/kpreisner/scadapoll/internal/types"
)

// fakeTransport scripts responses per call so cycle outcomes are
// deterministic without any real socket.
type fakeTransport struct {
	mu     sync.Mutex
	script func(call int, startAddr, count uint16) (types.RawRegisters, error)
	calls  int
	closed bool
}

func (f *fakeTransport) ReadRegisters(_ context.Context, startAddr, count uint16) (types.RawRegisters, error) {
	f.mu.Lock()
	call := f.calls
	f.calls++
	script := f.script
	f.mu.Unlock()
	return script(call, startAddr, count)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func alwaysValue(words ...uint16) func(int, uint16, uint16) (types.RawRegisters, error) {
	return func(_ int, startAddr, _ uint16) (types.RawRegisters, error) {
		return types.RawRegisters{Start: startAddr, Words: words}, nil
	}
}

func alwaysFail() func(int, uint16, uint16) (types.RawRegisters, error) {
	return func(_ int, _, _ uint16) (types.RawRegisters, error) {
		return types.RawRegisters{}, fmt.Errorf("%w: read: connection reset", types.ErrConnection)
	}
}

func testDescriptor() types.DeviceDescriptor {
	return types.DeviceDescriptor{
		ID:           1,
		Host:         "127.0.0.1",
		Port:         1502,
		UnitID:       1,
		PollInterval: 50 * time.Millisecond,
		Timeout:      time.Second,
		Registers: []types.RegisterSpec{
			{Metric: "temperature", Address: 0, Words: 1, Signed: true, Scale: 0.1, Unit: "°C"},
		},
	}
}

func TestBuildGroups(t *testing.T) {
	specs := []types.RegisterSpec{
		{Metric: "a", Address: 0, Words: 1},
		{Metric: "b", Address: 2, Words: 2},
		{Metric: "c", Address: 100, Words: 1},
		{Metric: "d", Address: 103, Words: 1},
	}

	groups := buildGroups(specs)
	require.Len(t, groups, 2)

	assert.Equal(t, uint16(0), groups[0].start)
	assert.Equal(t, uint16(4), groups[0].count)
	assert.Len(t, groups[0].specs, 2)

	assert.Equal(t, uint16(100), groups[1].start)
	assert.Equal(t, uint16(4), groups[1].count)
	assert.Len(t, groups[1].specs, 2)
}

func TestBuildGroups_UnsortedInput(t *testing.T) {
	specs := []types.RegisterSpec{
		{Metric: "b", Address: 5, Words: 1},
		{Metric: "a", Address: 0, Words: 1},
	}

	groups := buildGroups(specs)
	require.Len(t, groups, 1)
	assert.Equal(t, uint16(0), groups[0].start)
	assert.Equal(t, uint16(6), groups[0].count)
}

func TestBuildGroups_Empty(t *testing.T) {
	assert.Nil(t, buildGroups(nil))
}

func TestCycle_Success(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}
	mem := &sink.Memory{}

	p := NewDevicePoller(testDescriptor(), transport, mem, nil, nil, Options{}, nil)
	p.cycle()

	readings := mem.Readings()
	require.Len(t, readings, 1)
	assert.Equal(t, "temperature", readings[0].Metric)
	assert.InDelta(t, 22.5, readings[0].Value, 1e-9)
	assert.Equal(t, types.QualityGood, readings[0].Quality)

	status := p.Status()
	assert.Equal(t, types.ConnConnected, status.ConnectionState)
	assert.Equal(t, types.QualityGood, status.DataQuality)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, uint64(1), status.Cycles)
	assert.Equal(t, uint64(1), status.Successes)
	assert.False(t, status.LastSuccess.IsZero())
}

func TestCycle_FailureEscalation(t *testing.T) {
	transport := &fakeTransport{script: alwaysFail()}
	mem := &sink.Memory{}

	p := NewDevicePoller(testDescriptor(), transport, mem, nil, nil, Options{}, nil)

	p.cycle()
	status := p.Status()
	assert.Equal(t, types.ConnDegraded, status.ConnectionState)
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Equal(t, types.QualityInvalid, status.DataQuality)
	assert.Contains(t, status.LastError, "connection reset")

	p.cycle()
	status = p.Status()
	assert.Equal(t, types.ConnDegraded, status.ConnectionState)
	assert.Equal(t, 2, status.ConsecutiveFailures)

	// Third consecutive failure: disconnected and stale.
	p.cycle()
	status = p.Status()
	assert.Equal(t, types.ConnDisconnected, status.ConnectionState)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.Equal(t, types.QualityStale, status.DataQuality)

	// No readings are fabricated for failed cycles.
	assert.Empty(t, mem.Readings())
	assert.Equal(t, uint64(3), p.Status().Cycles)
	assert.Equal(t, uint64(0), p.Status().Successes)
}

func TestCycle_RecoveryResetsFailures(t *testing.T) {
	transport := &fakeTransport{
		script: func(call int, startAddr, _ uint16) (types.RawRegisters, error) {
			if call < 2 {
				return types.RawRegisters{}, fmt.Errorf("%w: no route", types.ErrConnection)
			}
			return types.RawRegisters{Start: startAddr, Words: []uint16{100}}, nil
		},
	}
	mem := &sink.Memory{}

	p := NewDevicePoller(testDescriptor(), transport, mem, nil, nil, Options{}, nil)

	p.cycle()
	p.cycle()
	require.Equal(t, 2, p.Status().ConsecutiveFailures)

	p.cycle()
	status := p.Status()
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.Equal(t, types.ConnConnected, status.ConnectionState)
	assert.Equal(t, types.QualityGood, status.DataQuality)
	assert.Empty(t, status.LastError)
	require.Len(t, mem.Readings(), 1)
}

func TestCycle_StaleAfterOption(t *testing.T) {
	transport := &fakeTransport{script: alwaysFail()}

	p := NewDevicePoller(testDescriptor(), transport, &sink.Memory{}, nil, nil,
		Options{StaleAfter: 2, DisconnectAfter: 5}, nil)

	p.cycle()
	assert.Equal(t, types.QualityInvalid, p.Status().DataQuality)

	p.cycle()
	status := p.Status()
	assert.Equal(t, types.QualityStale, status.DataQuality)
	assert.Equal(t, types.ConnDegraded, status.ConnectionState)
}

func TestCycle_DecodeFailureCountsAsFailure(t *testing.T) {
	// One word short of what the register map needs.
	transport := &fakeTransport{
		script: func(_ int, startAddr, _ uint16) (types.RawRegisters, error) {
			return types.RawRegisters{Start: startAddr, Words: nil}, nil
		},
	}
	mem := &sink.Memory{}

	p := NewDevicePoller(testDescriptor(), transport, mem, nil, nil, Options{}, nil)
	p.cycle()

	status := p.Status()
	assert.Equal(t, 1, status.ConsecutiveFailures)
	assert.Empty(t, mem.Readings())
}

func TestCycle_AlarmTransitions(t *testing.T) {
	// Scaled by 0.1: 100→10.0 (low), 200→20.0 (normal), 350→35.0
	// (high), 250→25.0 (normal), with thresholds {15, 30}.
	values := []uint16{100, 200, 350, 250}
	transport := &fakeTransport{
		script: func(call int, startAddr, _ uint16) (types.RawRegisters, error) {
			return types.RawRegisters{Start: startAddr, Words: []uint16{values[call]}}, nil
		},
	}
	mem := &sink.Memory{}

	desc := testDescriptor()
	desc.Alarms = map[string]types.Thresholds{
		"temperature": {Low: 15, High: 30},
	}

	p := NewDevicePoller(desc, transport, mem, nil, nil, Options{}, nil)
	for range values {
		p.cycle()
	}

	alarms := mem.Alarms()
	require.Len(t, alarms, 4)
	assert.Equal(t, types.AlarmLow, alarms[0].State.Level)
	assert.Equal(t, types.AlarmNormal, alarms[1].State.Level)
	assert.Equal(t, types.AlarmHigh, alarms[2].State.Level)
	assert.Equal(t, types.AlarmNormal, alarms[3].State.Level)

	states := p.AlarmStates()
	require.Contains(t, states, "temperature")
	assert.Equal(t, types.AlarmNormal, states["temperature"].Level)
}

func TestCycle_NoThresholdsNoAlarms(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(9999)}
	mem := &sink.Memory{}

	p := NewDevicePoller(testDescriptor(), transport, mem, nil, nil, Options{}, nil)
	p.cycle()

	assert.Empty(t, mem.Alarms())
	assert.Empty(t, p.AlarmStates())
}

func TestCycle_SinkErrorDoesNotFailCycle(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}
	mem := &sink.Memory{Err: fmt.Errorf("disk full")}

	p := NewDevicePoller(testDescriptor(), transport, mem, nil, nil, Options{}, nil)
	p.cycle()

	status := p.Status()
	assert.Equal(t, types.ConnConnected, status.ConnectionState)
	assert.Equal(t, 0, status.ConsecutiveFailures)
}

func TestPoller_Pacing(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}
	mem := &sink.Memory{}

	desc := testDescriptor()
	desc.PollInterval = 50 * time.Millisecond

	p := NewDevicePoller(desc, transport, mem, nil, nil, Options{}, nil)
	p.Start()
	time.Sleep(220 * time.Millisecond)
	p.Stop()

	// First cycle fires one interval after start, then every interval:
	// roughly t=50,100,150,200ms within the 220ms window.
	successes := p.Status().Successes
	assert.GreaterOrEqual(t, successes, uint64(3))
	assert.LessOrEqual(t, successes, uint64(5))
}

func TestPoller_SlowerInterval(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}

	desc := testDescriptor()
	desc.PollInterval = 100 * time.Millisecond

	p := NewDevicePoller(desc, transport, &sink.Memory{}, nil, nil, Options{}, nil)
	p.Start()
	time.Sleep(220 * time.Millisecond)
	p.Stop()

	successes := p.Status().Successes
	assert.GreaterOrEqual(t, successes, uint64(1))
	assert.LessOrEqual(t, successes, uint64(3))
}

func TestPoller_StartIdempotent(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}

	p := NewDevicePoller(testDescriptor(), transport, &sink.Memory{}, nil, nil, Options{}, nil)
	p.Start()
	p.Start()
	p.Stop()
}

func TestPoller_StopClosesTransport(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}

	p := NewDevicePoller(testDescriptor(), transport, &sink.Memory{}, nil, nil, Options{}, nil)
	p.Start()
	p.Stop()

	transport.mu.Lock()
	closed := transport.closed
	transport.mu.Unlock()
	assert.True(t, closed)

	// Stop on an already-stopped poller is a no-op.
	p.Stop()
}

func TestPoller_StopIsPrompt(t *testing.T) {
	transport := &fakeTransport{script: alwaysValue(225)}

	desc := testDescriptor()
	desc.PollInterval = 10 * time.Second

	p := NewDevicePoller(desc, transport, &sink.Memory{}, nil, nil, Options{Grace: 2 * time.Second}, nil)
	p.Start()

	// The loop is asleep waiting for its first tick; Stop must not wait
	// the interval out.
	begun := time.Now()
	p.Stop()
	assert.Less(t, time.Since(begun), time.Second)
	assert.Equal(t, 0, transport.callCount())
}
