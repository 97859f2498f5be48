// Package config loads the gombus YAML configuration. Values come from
// defaults, then the file, then GOMBUS_* environment variables, then
// command line overrides, and are validated last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/d21d3q/gombus/internal/address"
	"github.com/d21d3q/gombus/internal/options"
	"github.com/d21d3q/gombus/internal/transport"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the root configuration structure.
type Config struct {
	Bus      BusConfig      `yaml:"bus"`
	Meters   []MeterConfig  `yaml:"meters"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
	Outputs  OutputsConfig  `yaml:"outputs"`
}

// BusConfig describes the channel to the M-Bus master.
type BusConfig struct {
	// Device is a serial device path or tcp://host:port.
	Device   string        `yaml:"device"`
	Baudrate int           `yaml:"baudrate"`
	Timeout  time.Duration `yaml:"timeout"`
	Retries  int           `yaml:"retries"`
	// MaxFrames bounds the continuation frames followed per reading.
	MaxFrames int `yaml:"max_frames"`
}

// MeterConfig names one meter to poll.
type MeterConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	// Key is the AES key for this meter, 32 hex digits.
	Key string `yaml:"key"`
}

// LoggingConfig contains logrus settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Output is stdout, stderr or a file path.
	Output string `yaml:"output"`
}

// SecurityConfig holds the default AES key.
type SecurityConfig struct {
	Key string `yaml:"key"`
}

// OutputsConfig enables the row sinks.
type OutputsConfig struct {
	JSON     JSONConfig     `yaml:"json"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
}

// JSONConfig writes one JSON object per row.
type JSONConfig struct {
	Enabled bool `yaml:"enabled"`
	// Path is a file to append to; "-" or empty is stdout.
	Path string `yaml:"path"`
}

// MQTTConfig publishes rows to an MQTT broker.
type MQTTConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	QoS            int           `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// InfluxDBConfig writes rows as points.
type InfluxDBConfig struct {
	Enabled     bool   `yaml:"enabled"`
	URL         string `yaml:"url"`
	Token       string `yaml:"token"`
	Org         string `yaml:"org"`
	Bucket      string `yaml:"bucket"`
	Measurement string `yaml:"measurement"`
}

// SQLiteConfig stores the reading history.
type SQLiteConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Path        string        `yaml:"path"`
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// Option adjusts a loaded configuration before validation.
type Option func(*Config)

// Load reads path (optional, "" means defaults only), applies environment
// overrides and opts, and validates the result.
func Load(path string, opts ...Option) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}
	applyEnvOverrides(cfg)
	for _, opt := range opts {
		opt(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Baudrate:  transport.DefaultBaudrate,
			Timeout:   transport.DefaultTimeout,
			Retries:   transport.DefaultRetries,
			MaxFrames: 16,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Outputs: OutputsConfig{
			JSON: JSONConfig{Enabled: true, Path: "-"},
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "gombus",
				TopicPrefix:    "gombus",
				QoS:            1,
				ConnectTimeout: 10 * time.Second,
			},
			InfluxDB: InfluxDBConfig{
				URL:         "http://localhost:8086",
				Measurement: "mbus",
			},
			SQLite: SQLiteConfig{
				Path:        "gombus.db",
				BusyTimeout: 5 * time.Second,
			},
		},
	}
}

// applyEnvOverrides follows the pattern GOMBUS_SECTION_KEY.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GOMBUS_DEVICE"); v != "" {
		cfg.Bus.Device = v
	}
	if v := os.Getenv("GOMBUS_BAUDRATE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Bus.Baudrate = n
		} else {
			cfg.Bus.Baudrate = -1
		}
	}
	if v := os.Getenv("GOMBUS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GOMBUS_MQTT_BROKER"); v != "" {
		cfg.Outputs.MQTT.Broker = v
	}
	if v := os.Getenv("GOMBUS_INFLUX_TOKEN"); v != "" {
		cfg.Outputs.InfluxDB.Token = v
	}
	if v := os.Getenv("GOMBUS_KEY"); v != "" {
		cfg.Security.Key = v
	}
}

// Validate checks the configuration. Every problem is reported at once.
func (c *Config) Validate() error {
	var errs []string

	ch := c.Channel()
	if err := ch.Validate(); err != nil {
		errs = append(errs, "bus: "+strings.TrimPrefix(err.Error(), transport.ErrInvalidConfig.Error()+": "))
	}
	if c.Bus.MaxFrames <= 0 {
		errs = append(errs, "bus.max_frames must be positive")
	}
	for i, m := range c.Meters {
		if _, err := address.Parse(m.Address); err != nil {
			errs = append(errs, fmt.Sprintf("meters[%d].address: %v", i, err))
		}
		if _, err := options.ParseKeyHex(m.Key); err != nil {
			errs = append(errs, fmt.Sprintf("meters[%d].key: %v", i, err))
		}
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, "logging.level: "+err.Error())
	}
	if f := c.Logging.Format; f != "text" && f != "json" {
		errs = append(errs, fmt.Sprintf("logging.format must be text or json, got %q", f))
	}
	if _, err := options.ParseKeyHex(c.Security.Key); err != nil {
		errs = append(errs, "security.key: "+err.Error())
	}

	o := c.Outputs
	if o.MQTT.Enabled {
		if o.MQTT.Broker == "" {
			errs = append(errs, "outputs.mqtt.broker is required")
		}
		if o.MQTT.QoS < 0 || o.MQTT.QoS > 2 {
			errs = append(errs, "outputs.mqtt.qos must be 0, 1, or 2")
		}
	}
	if o.InfluxDB.Enabled {
		for _, kv := range [][2]string{{"url", o.InfluxDB.URL}, {"org", o.InfluxDB.Org}, {"bucket", o.InfluxDB.Bucket}} {
			if kv[1] == "" {
				errs = append(errs, "outputs.influxdb."+kv[0]+" is required")
			}
		}
	}
	if o.SQLite.Enabled && o.SQLite.Path == "" {
		errs = append(errs, "outputs.sqlite.path is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	return nil
}

// Channel returns the transport settings of the bus section.
func (c *Config) Channel() transport.ChannelConfig {
	return transport.ChannelConfig{
		Device:   c.Bus.Device,
		Baudrate: c.Bus.Baudrate,
		Timeout:  c.Bus.Timeout,
		Retries:  c.Bus.Retries,
	}
}

// KeyRing collects the default and per-meter keys. Meter keys are indexed
// by the canonical form of their address.
func (c *Config) KeyRing() (options.KeyRing, error) {
	byAddress := make(map[string]string)
	for _, m := range c.Meters {
		if m.Key == "" {
			continue
		}
		a, err := address.Parse(m.Address)
		if err != nil {
			return options.KeyRing{}, err
		}
		byAddress[a.String()] = m.Key
	}
	return options.ParseKeyRing(c.Security.Key, byAddress)
}

// Addresses returns the parsed meter addresses in file order.
func (c *Config) Addresses() ([]address.Address, error) {
	out := make([]address.Address, 0, len(c.Meters))
	for _, m := range c.Meters {
		a, err := address.Parse(m.Address)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}
