package types

import (
	"fmt"
	"time"
)

// Quality marks how trustworthy a reading is.
type Quality string

const (
	QualityGood    Quality = "good"
	QualityStale   Quality = "stale"
	QualityInvalid Quality = "invalid"
)

// AlarmLevel classifies a value against its configured thresholds.
type AlarmLevel string

const (
	AlarmNormal AlarmLevel = "normal"
	AlarmLow    AlarmLevel = "low"
	AlarmHigh   AlarmLevel = "high"
)

// ConnState is the per-device connection health as seen by its poller.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnected    ConnState = "connected"
	ConnDegraded     ConnState = "degraded"
)

// RegisterSpec maps one metric onto the device's register space.
// Words is 1 for a single 16-bit register or 2 for a 32-bit value
// combined from two registers in big-endian word order.
type RegisterSpec struct {
	Metric  string  `yaml:"metric" json:"metric"`
	Address uint16  `yaml:"address" json:"address"`
	Words   int     `yaml:"words" json:"words"`
	Signed  bool    `yaml:"signed" json:"signed"`
	Scale   float64 `yaml:"scale" json:"scale"`
	Unit    string  `yaml:"unit" json:"unit"`
}

// Thresholds bound the normal range for one metric.
type Thresholds struct {
	Low  float64 `yaml:"low" json:"low" mapstructure:"low"`
	High float64 `yaml:"high" json:"high" mapstructure:"high"`
}

// DeviceDescriptor is the immutable configuration of one remote device.
// It is built from parsed configuration before any poller starts and
// never mutated afterwards.
type DeviceDescriptor struct {
	ID           int                   `yaml:"id" json:"id"`
	Host         string                `yaml:"host" json:"host"`
	Port         int                   `yaml:"port" json:"port"`
	UnitID       uint8                 `yaml:"unit_id" json:"unit_id"`
	PollInterval time.Duration         `yaml:"poll_interval" json:"poll_interval"`
	Timeout      time.Duration         `yaml:"timeout" json:"timeout"`
	Registers    []RegisterSpec        `yaml:"registers" json:"registers"`
	Alarms       map[string]Thresholds `yaml:"alarms" json:"alarms,omitempty"`
}

// Address returns the TCP dial target.
func (d DeviceDescriptor) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// RawRegisters is the payload of one register read, tagged with the
// request's starting address. Transient: produced and consumed within
// a single poll cycle.
type RawRegisters struct {
	Start uint16
	Words []uint16
}

// Reading is one decoded measurement. Immutable once constructed; the
// timestamp is the capture instant, not the arrival instant.
type Reading struct {
	DeviceID  int       `json:"device_id"`
	Metric    string    `json:"metric"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Quality   Quality   `json:"quality"`
}

// AlarmState is the per-(device, metric) alarm condition carried
// between poll cycles. Since holds the timestamp of the last level
// transition.
type AlarmState struct {
	Level AlarmLevel `json:"level"`
	Since time.Time  `json:"since"`
}

// PollerStatus is the per-device health record. It is owned by the
// device's poller; the supervisor only ever sees snapshot copies.
type PollerStatus struct {
	DeviceID            int       `json:"device_id"`
	ConnectionState     ConnState `json:"connection_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
	DataQuality         Quality   `json:"data_quality"`
	Cycles              uint64    `json:"cycles"`
	Successes           uint64    `json:"successes"`
}
