package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kpreisner/scadapoll/internal/types"
)

//go:embed schema/devices-v1.json
var devicesSchemaJSON string

// deviceFile is the on-disk shape of the device list. Durations are
// strings so the YAML stays human-editable; they are parsed into the
// descriptor during conversion.
type deviceFile struct {
	Devices []deviceEntry `yaml:"devices"`
}

type deviceEntry struct {
	ID           int                         `yaml:"id"`
	Host         string                      `yaml:"host"`
	Port         int                         `yaml:"port"`
	UnitID       uint8                       `yaml:"unit_id"`
	PollInterval string                      `yaml:"poll_interval"`
	Timeout      string                      `yaml:"timeout"`
	Registers    []types.RegisterSpec        `yaml:"registers"`
	Alarms       map[string]types.Thresholds `yaml:"alarms"`
}

// LoadDevices reads, validates and converts the device list. Global
// polling defaults fill in anything a device leaves unset. All
// violations surface as ErrConfig before any poller starts.
func LoadDevices(path string, defaults PollingConfig) ([]types.DeviceDescriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read device file: %v", types.ErrConfig, err)
	}

	if err := validateDeviceFile(data); err != nil {
		return nil, err
	}

	var file deviceFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: failed to parse device file: %v", types.ErrConfig, err)
	}

	descriptors := make([]types.DeviceDescriptor, 0, len(file.Devices))
	seen := make(map[int]struct{}, len(file.Devices))

	for _, entry := range file.Devices {
		if _, dup := seen[entry.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate device id %d", types.ErrConfig, entry.ID)
		}
		seen[entry.ID] = struct{}{}

		desc, err := entry.toDescriptor(defaults)
		if err != nil {
			return nil, err
		}
		descriptors = append(descriptors, desc)
	}

	return descriptors, nil
}

// validateDeviceFile checks the raw document against the embedded
// schema. The YAML is normalized through JSON first so the validator
// sees canonical types.
func validateDeviceFile(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: invalid YAML: %v", types.ErrConfig, err)
	}

	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: failed to normalize device file: %v", types.ErrConfig, err)
	}

	var normalized interface{}
	if err := json.Unmarshal(jsonBytes, &normalized); err != nil {
		return fmt.Errorf("%w: failed to normalize device file: %v", types.ErrConfig, err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("devices-v1.json", strings.NewReader(devicesSchemaJSON)); err != nil {
		return fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("devices-v1.json")
	if err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	if err := schema.Validate(normalized); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", types.ErrConfig, err)
	}

	return nil
}

func (e deviceEntry) toDescriptor(defaults PollingConfig) (types.DeviceDescriptor, error) {
	interval, err := parseDuration(e.PollInterval, defaults.DefaultInterval)
	if err != nil {
		return types.DeviceDescriptor{}, fmt.Errorf("%w: device %d: bad poll_interval: %v", types.ErrConfig, e.ID, err)
	}

	timeout, err := parseDuration(e.Timeout, defaults.DefaultTimeout)
	if err != nil {
		return types.DeviceDescriptor{}, fmt.Errorf("%w: device %d: bad timeout: %v", types.ErrConfig, e.ID, err)
	}

	if interval <= 0 {
		return types.DeviceDescriptor{}, fmt.Errorf("%w: device %d: poll interval must be positive", types.ErrConfig, e.ID)
	}
	if timeout <= 0 {
		return types.DeviceDescriptor{}, fmt.Errorf("%w: device %d: timeout must be positive", types.ErrConfig, e.ID)
	}

	registers := make([]types.RegisterSpec, len(e.Registers))
	for i, reg := range e.Registers {
		if reg.Words == 0 {
			reg.Words = 1
		}
		if reg.Scale == 0 {
			reg.Scale = 1.0
		}
		registers[i] = reg
	}

	return types.DeviceDescriptor{
		ID:           e.ID,
		Host:         e.Host,
		Port:         e.Port,
		UnitID:       e.UnitID,
		PollInterval: interval,
		Timeout:      timeout,
		Registers:    registers,
		Alarms:       e.Alarms,
	}, nil
}

func parseDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}
