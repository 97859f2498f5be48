package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gombus.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
bus:
  device: /dev/ttyUSB0
  baudrate: 9600
  timeout: 300ms
  retries: 1
meters:
  - name: heat
    address: "1"
  - name: water
    address: 12345678496A8807
    key: 000102030405060708090A0B0C0D0E0F
logging:
  level: debug
  format: json
outputs:
  mqtt:
    enabled: true
    topic_prefix: building/meters
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cfg.Bus.Device)
	require.Equal(t, 9600, cfg.Bus.Baudrate)
	require.Equal(t, 300*time.Millisecond, cfg.Bus.Timeout)
	require.Equal(t, 1, cfg.Bus.Retries)
	require.Equal(t, 16, cfg.Bus.MaxFrames, "default kept")
	require.Equal(t, "json", cfg.Logging.Format)
	require.True(t, cfg.Outputs.MQTT.Enabled)
	require.Equal(t, "tcp://localhost:1883", cfg.Outputs.MQTT.Broker)
	require.Equal(t, "building/meters", cfg.Outputs.MQTT.TopicPrefix)
	require.True(t, cfg.Outputs.JSON.Enabled)

	ch := cfg.Channel()
	require.Equal(t, "/dev/ttyUSB0", ch.Device)
	require.Equal(t, 300*time.Millisecond, ch.Timeout)

	addrs, err := cfg.Addresses()
	require.NoError(t, err)
	require.Len(t, addrs, 2)
	require.False(t, addrs[0].IsSecondaryAddress())
	require.True(t, addrs[1].IsSecondaryAddress())

	ring, err := cfg.KeyRing()
	require.NoError(t, err)
	require.Nil(t, ring.Default)
	require.Len(t, ring.Lookup("12345678496A8807"), 16)
	require.Nil(t, ring.Lookup("1"))
}

func TestLoadDefaultsOnly(t *testing.T) {
	cfg, err := Load("", func(c *Config) { c.Bus.Device = "tcp://gateway:10001" })
	require.NoError(t, err)
	require.Equal(t, 2400, cfg.Bus.Baudrate)
	require.Equal(t, 500*time.Millisecond, cfg.Bus.Timeout)
	require.Equal(t, 3, cfg.Bus.Retries)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/gombus.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "bus: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GOMBUS_DEVICE", "/dev/ttyAMA0")
	t.Setenv("GOMBUS_BAUDRATE", "300")
	t.Setenv("GOMBUS_LOG_LEVEL", "warn")
	t.Setenv("GOMBUS_MQTT_BROKER", "tcp://broker:1883")
	t.Setenv("GOMBUS_INFLUX_TOKEN", "secret")
	t.Setenv("GOMBUS_KEY", strings.Repeat("AB", 16))

	cfg, err := Load(writeConfig(t, "bus:\n  device: /dev/ttyUSB0\n"))
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyAMA0", cfg.Bus.Device)
	require.Equal(t, 300, cfg.Bus.Baudrate)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, "tcp://broker:1883", cfg.Outputs.MQTT.Broker)
	require.Equal(t, "secret", cfg.Outputs.InfluxDB.Token)

	ring, err := cfg.KeyRing()
	require.NoError(t, err)
	require.Len(t, ring.Default, 16)
}

func TestOptionsApplyAfterEnv(t *testing.T) {
	t.Setenv("GOMBUS_DEVICE", "/dev/ttyAMA0")
	cfg, err := Load("", func(c *Config) { c.Bus.Device = "/dev/ttyS1" })
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyS1", cfg.Bus.Device)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no device", func(c *Config) { c.Bus.Device = "" }, "device is required"},
		{"baudrate", func(c *Config) { c.Bus.Baudrate = 1234 }, "unsupported baud rate"},
		{"retries", func(c *Config) { c.Bus.Retries = -1 }, "retries"},
		{"max frames", func(c *Config) { c.Bus.MaxFrames = 0 }, "bus.max_frames"},
		{"meter address", func(c *Config) { c.Meters = []MeterConfig{{Address: "999"}} }, "meters[0].address"},
		{"meter key", func(c *Config) { c.Meters = []MeterConfig{{Address: "1", Key: "00"}} }, "meters[0].key"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"mqtt qos", func(c *Config) { c.Outputs.MQTT.Enabled, c.Outputs.MQTT.QoS = true, 3 }, "outputs.mqtt.qos"},
		{"influx bucket", func(c *Config) { c.Outputs.InfluxDB.Enabled, c.Outputs.InfluxDB.Org = true, "home" }, "outputs.influxdb.bucket"},
		{"sqlite path", func(c *Config) { c.Outputs.SQLite.Enabled, c.Outputs.SQLite.Path = true, "" }, "outputs.sqlite.path"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Bus.Device = "/dev/ttyUSB0"
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrInvalid))
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateCollectsAll(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	require.ErrorIs(t, err, ErrInvalid)
	require.Contains(t, err.Error(), "device is required")
	require.Contains(t, err.Error(), "logging.format")
}
