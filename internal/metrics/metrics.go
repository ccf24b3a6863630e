// Package metrics exposes the poller's prometheus instrumentation on
// its own registry so tests can create isolated instances.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kpreisner/scadapoll/internal/types"
)

type Metrics struct {
	registry *prometheus.Registry

	PollCycles    *prometheus.CounterVec
	PollFailures  *prometheus.CounterVec
	CycleDuration *prometheus.HistogramVec
	ReadingValue  *prometheus.GaugeVec
	ConnState     *prometheus.GaugeVec
	AlarmLevel    *prometheus.GaugeVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scadapoll_poll_cycles_total",
			Help: "Poll cycles attempted per device.",
		}, []string{"device"}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scadapoll_poll_failures_total",
			Help: "Failed poll cycles per device.",
		}, []string{"device"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scadapoll_cycle_duration_seconds",
			Help:    "Duration of one read-decode-evaluate-store cycle.",
			Buckets: prometheus.DefBuckets,
		}, []string{"device"}),
		ReadingValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scadapoll_reading_value",
			Help: "Latest decoded value per device and metric.",
		}, []string{"device", "metric"}),
		ConnState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scadapoll_connection_state",
			Help: "Connection state per device (0 disconnected, 1 degraded, 2 connected).",
		}, []string{"device"}),
		AlarmLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scadapoll_alarm_level",
			Help: "Alarm level per device and metric (0 normal, 1 low, 2 high).",
		}, []string{"device", "metric"}),
	}

	m.registry.MustRegister(
		m.PollCycles,
		m.PollFailures,
		m.CycleDuration,
		m.ReadingValue,
		m.ConnState,
		m.AlarmLevel,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the underlying prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveConnState records the numeric encoding of a connection state.
func (m *Metrics) ObserveConnState(deviceID int, state types.ConnState) {
	var v float64
	switch state {
	case types.ConnDegraded:
		v = 1
	case types.ConnConnected:
		v = 2
	}
	m.ConnState.WithLabelValues(strconv.Itoa(deviceID)).Set(v)
}

// ObserveAlarmLevel records the numeric encoding of an alarm level.
func (m *Metrics) ObserveAlarmLevel(deviceID int, metric string, level types.AlarmLevel) {
	var v float64
	switch level {
	case types.AlarmLow:
		v = 1
	case types.AlarmHigh:
		v = 2
	}
	m.AlarmLevel.WithLabelValues(strconv.Itoa(deviceID), metric).Set(v)
}
