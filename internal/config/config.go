package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/kpreisner/scadapoll/internal/types"
)

type Config struct {
	Server  ServerConfig                `mapstructure:"server"`
	Storage StorageConfig               `mapstructure:"storage"`
	MQTT    MQTTConfig                  `mapstructure:"mqtt"`
	Polling PollingConfig               `mapstructure:"polling"`
	Devices DevicesConfig               `mapstructure:"devices"`
	Alarms  map[string]types.Thresholds `mapstructure:"alarms"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type PostgresConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type RedisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Addr    string        `mapstructure:"addr"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BrokerURL   string `mapstructure:"broker_url"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	QoS         int    `mapstructure:"qos"`
}

// PollingConfig carries the global defaults applied to devices that do
// not override them.
type PollingConfig struct {
	DefaultInterval time.Duration `mapstructure:"default_interval"`
	DefaultTimeout  time.Duration `mapstructure:"default_timeout"`
	StaleAfter      int           `mapstructure:"stale_after"`
	DisconnectAfter int           `mapstructure:"disconnect_after"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`
}

type DevicesConfig struct {
	File string `mapstructure:"file"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.max_connections", 4)
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.ttl", "24h")
	v.SetDefault("mqtt.topic_prefix", "scadapoll")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("polling.default_interval", "5s")
	v.SetDefault("polling.default_timeout", "2s")
	v.SetDefault("polling.stale_after", 3)
	v.SetDefault("polling.disconnect_after", 3)
	v.SetDefault("polling.stop_grace", "5s")
	v.SetDefault("devices.file", "configs/devices.yaml")

	v.AutomaticEnv()
	v.SetEnvPrefix("SCADAPOLL")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %v", types.ErrConfig, err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", types.ErrConfig, err)
	}

	return &config, nil
}

func (c *PostgresConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.User, c.Password, c.Host, c.Port, c.Database)
}
