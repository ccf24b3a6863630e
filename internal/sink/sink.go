// Package sink defines where validated readings and alarm transitions
// go. Implementations are fail-fast: they return the first error and
// never retry internally; retry policy, if any, belongs to the caller
// side of the contract. All implementations must tolerate concurrent
// writes from multiple pollers.
package sink

import (
	"context"
	"errors"
	"sync"

	"github.com/kpreisner/scadapoll/internal/types"
)

// Sink receives the output of successful poll cycles.
type Sink interface {
	Store(ctx context.Context, r types.Reading) error
	RecordAlarm(ctx context.Context, deviceID int, metric string, state types.AlarmState) error
}

// Multi fans out to several sinks. Every sink is attempted even when
// an earlier one fails; the errors are joined.
type Multi []Sink

func (m Multi) Store(ctx context.Context, r types.Reading) error {
	var errs []error
	for _, s := range m {
		if err := s.Store(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) RecordAlarm(ctx context.Context, deviceID int, metric string, state types.AlarmState) error {
	var errs []error
	for _, s := range m {
		if err := s.RecordAlarm(ctx, deviceID, metric, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// AlarmEvent is one recorded alarm transition.
type AlarmEvent struct {
	DeviceID int
	Metric   string
	State    types.AlarmState
}

// Memory is an in-memory sink for tests.
type Memory struct {
	mu       sync.Mutex
	readings []types.Reading
	alarms   []AlarmEvent
	Err      error // returned from both methods when set
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Store(_ context.Context, r types.Reading) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.readings = append(m.readings, r)
	return nil
}

func (m *Memory) RecordAlarm(_ context.Context, deviceID int, metric string, state types.AlarmState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.alarms = append(m.alarms, AlarmEvent{DeviceID: deviceID, Metric: metric, State: state})
	return nil
}

// Readings returns a copy of everything stored so far.
func (m *Memory) Readings() []types.Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Reading, len(m.readings))
	copy(out, m.readings)
	return out
}

// Alarms returns a copy of every recorded transition.
func (m *Memory) Alarms() []AlarmEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AlarmEvent, len(m.alarms))
	copy(out, m.alarms)
	return out
}
