package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kpreisner/scadapoll/internal/types"
)

func TestMetrics_Isolated(t *testing.T) {
	// Two instances must not collide on registration.
	a := New()
	b := New()

	a.PollCycles.WithLabelValues("1").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.PollCycles.WithLabelValues("1")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.PollCycles.WithLabelValues("1")))
}

func TestMetrics_ConnStateEncoding(t *testing.T) {
	m := New()

	m.ObserveConnState(1, types.ConnDisconnected)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnState.WithLabelValues("1")))

	m.ObserveConnState(1, types.ConnDegraded)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnState.WithLabelValues("1")))

	m.ObserveConnState(1, types.ConnConnected)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ConnState.WithLabelValues("1")))
}

func TestMetrics_AlarmLevelEncoding(t *testing.T) {
	m := New()

	m.ObserveAlarmLevel(1, "temperature", types.AlarmHigh)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlarmLevel.WithLabelValues("1", "temperature")))

	m.ObserveAlarmLevel(1, "temperature", types.AlarmNormal)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AlarmLevel.WithLabelValues("1", "temperature")))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ReadingValue.WithLabelValues("1", "temperature").Set(22.5)

	w := httptest.NewRecorder()
	m.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "scadapoll_reading_value")
}
