// Package alarm classifies readings against configured thresholds.
//
// Transitions are based solely on the latest value. There is no
// hysteresis or debounce: a value oscillating around a limit will
// flap between levels on consecutive polls. This mirrors the behavior
// of the system this poller replaces and is a deliberate choice, not
// an oversight.
package alarm

import (
	"github.com/kpreisner/scadapoll/internal/types"
)

// Table holds thresholds keyed by metric name.
type Table map[string]types.Thresholds

// For returns the thresholds for a metric and whether any are set.
func (t Table) For(metric string) (types.Thresholds, bool) {
	th, ok := t[metric]
	return th, ok
}

// Merge overlays per-device thresholds onto a base table, returning a
// new table. Neither input is modified.
func Merge(base Table, overrides map[string]types.Thresholds) Table {
	merged := make(Table, len(base)+len(overrides))
	for metric, th := range base {
		merged[metric] = th
	}
	for metric, th := range overrides {
		merged[metric] = th
	}
	return merged
}

// Classify maps a value to its alarm level.
func Classify(value float64, th types.Thresholds) types.AlarmLevel {
	switch {
	case value < th.Low:
		return types.AlarmLow
	case value > th.High:
		return types.AlarmHigh
	default:
		return types.AlarmNormal
	}
}

// Evaluate compares a reading against its thresholds and the previous
// state. Pure function: identical inputs always produce identical
// outputs. transitioned is true iff the level changed; on a transition
// Since is set to the reading's timestamp, otherwise it is carried
// forward unchanged.
func Evaluate(r types.Reading, th types.Thresholds, prev types.AlarmState) (types.AlarmState, bool) {
	prevLevel := prev.Level
	if prevLevel == "" {
		prevLevel = types.AlarmNormal
	}

	level := Classify(r.Value, th)

	if level != prevLevel {
		return types.AlarmState{Level: level, Since: r.Timestamp}, true
	}

	since := prev.Since
	if since.IsZero() {
		// First observation of an already-normal metric.
		since = r.Timestamp
	}

	return types.AlarmState{Level: level, Since: since}, false
}
