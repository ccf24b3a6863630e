package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kpreisner/scadapoll/internal/types"
)

// MQTT publishes every reading and alarm transition as JSON telemetry.
// Topics: <prefix>/<device>/<metric> for readings and
// <prefix>/<device>/<metric>/alarm for transitions.
type MQTT struct {
	client mqtt.Client
	prefix string
	qos    byte
}

type MQTTConfig struct {
	BrokerURL   string // e.g. tcp://localhost:1883
	TopicPrefix string
	Username    string
	Password    string
	QoS         byte
}

func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(fmt.Sprintf("scadapoll-%s", uuid.NewString()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(30 * time.Second)
	opts.SetMaxReconnectInterval(5 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetWriteTimeout(10 * time.Second)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "scadapoll"
	}

	return &MQTT{client: client, prefix: prefix, qos: cfg.QoS}, nil
}

func (m *MQTT) Store(_ context.Context, r types.Reading) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reading: %w", err)
	}

	topic := fmt.Sprintf("%s/%d/%s", m.prefix, r.DeviceID, r.Metric)
	token := m.client.Publish(topic, m.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("telemetry publish failed: %w", token.Error())
	}
	return nil
}

func (m *MQTT) RecordAlarm(_ context.Context, deviceID int, metric string, state types.AlarmState) error {
	payload, err := json.Marshal(struct {
		DeviceID int              `json:"device_id"`
		Metric   string           `json:"metric"`
		Level    types.AlarmLevel `json:"level"`
		Since    time.Time        `json:"since"`
	}{deviceID, metric, state.Level, state.Since})
	if err != nil {
		return fmt.Errorf("failed to marshal alarm: %w", err)
	}

	topic := fmt.Sprintf("%s/%d/%s/alarm", m.prefix, deviceID, metric)
	token := m.client.Publish(topic, m.qos, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("alarm publish failed: %w", token.Error())
	}
	return nil
}

func (m *MQTT) Close() {
	m.client.Disconnect(250)
}
