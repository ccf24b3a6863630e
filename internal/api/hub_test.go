package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kpreisner/scadapoll/internal/types"
)

func startHub(t *testing.T) *Hub {
	t.Helper()

	hub := NewHub(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	return hub
}

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	return conn
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)

	hub.Broadcast(Message{
		Type:      MessageTypeReading,
		Timestamp: time.Now(),
		Data:      types.Reading{DeviceID: 1, Metric: "temperature", Value: 22.5},
	})

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, MessageTypeReading, msg.Type)
}

func TestHubSink_FeedsReadings(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)

	snk := NewHubSink(hub)
	require.NoError(t, snk.Store(context.Background(), types.Reading{
		DeviceID: 3,
		Metric:   "humidity",
		Value:    45.0,
		Quality:  types.QualityGood,
	}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg Message
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, MessageTypeReading, msg.Type)

	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var r types.Reading
	require.NoError(t, json.Unmarshal(data, &r))
	assert.Equal(t, 3, r.DeviceID)
	assert.Equal(t, "humidity", r.Metric)
}

func TestHubSink_FeedsAlarms(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)

	snk := NewHubSink(hub)
	since := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, snk.RecordAlarm(context.Background(), 2, "temperature",
		types.AlarmState{Level: types.AlarmHigh, Since: since}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type MessageType `json:"type"`
		Data AlarmData   `json:"data"`
	}
	require.NoError(t, json.Unmarshal(payload, &msg))
	assert.Equal(t, MessageTypeAlarm, msg.Type)
	assert.Equal(t, 2, msg.Data.DeviceID)
	assert.Equal(t, types.AlarmHigh, msg.Data.Level)
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)

	conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)
}
