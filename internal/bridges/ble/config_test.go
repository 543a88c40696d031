package ble

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ble-bridge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const sampleConfig = `
bridge:
  id: loft-bridge
  health_interval: 15s
  max_restarts: 3
relay:
  buffer_size: 32
  format: json
  command_rate: 2
  command_burst: 4
scan:
  initial: false
  loop: true
  interval: 10m
  duration: 20s
defaults:
  poll_interval: 5m
  reconnect:
    base_delay: 2s
    max_delay: 2m
devices:
  - id: loft-temp
    address: "A4:C1:38:00:00:01"
    type: tempSensor
    bindings:
      - name: temp
        uuid: "2a6e"
        direction: notify
      - name: battery
        uuid: "2a19"
        direction: read
        poll: "0 */6 * * *"
  - address: "A4:C1:38:00:00:02"
    type: relay
    reconnect:
      max_retries: 10
    bindings:
      - name: relay
        uuid: "2a57"
        direction: write
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "loft-bridge", cfg.Bridge.ID)
	assert.Equal(t, 15*time.Second, cfg.Bridge.HealthInterval)
	assert.Equal(t, 3, cfg.Bridge.MaxRestarts)
	assert.Equal(t, 5*time.Second, cfg.Bridge.RestartDelay, "default kept")
	assert.Equal(t, 32, cfg.Relay.BufferSize)
	assert.Equal(t, "json", cfg.Relay.Format)
	assert.True(t, cfg.Relay.Retain, "default kept")
	assert.InDelta(t, 2.0, cfg.Relay.CommandRate, 0.001)
	assert.False(t, cfg.Scan.Initial)
	assert.Equal(t, 20*time.Second, cfg.Scan.Duration)
	assert.Equal(t, 2*time.Second, cfg.Defaults.Reconnect.BaseDelay)
	assert.Equal(t, session.DefaultJitter, cfg.Defaults.Reconnect.Jitter)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "loft-temp", cfg.Devices[0].Identity())
	assert.Equal(t, "A4:C1:38:00:00:02", cfg.Devices[1].Identity())
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, ErrConfig)

	_, err = LoadConfig(writeConfig(t, "bridge: [unclosed"))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("BLEBRIDGE_BRIDGE_ID", "from-env")
	t.Setenv("BLEBRIDGE_BRIDGE_FORMAT", "cbor")
	t.Setenv("BLEBRIDGE_BRIDGE_BUFFER_SIZE", "8")
	t.Setenv("BLEBRIDGE_BRIDGE_RETAIN", "false")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Bridge.ID)
	assert.Equal(t, "cbor", cfg.Relay.Format)
	assert.Equal(t, 8, cfg.Relay.BufferSize)
	assert.False(t, cfg.Relay.Retain)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"no id", func(c *Config) { c.Bridge.ID = "" }, "bridge.id is required"},
		{"short health", func(c *Config) { c.Bridge.HealthInterval = time.Millisecond }, "health_interval"},
		{"no grace", func(c *Config) { c.Bridge.ShutdownGrace = 0 }, "shutdown_grace"},
		{"buffer", func(c *Config) { c.Relay.BufferSize = 0 }, "buffer_size"},
		{"format", func(c *Config) { c.Relay.Format = "xml" }, `relay.format "xml"`},
		{"rate", func(c *Config) { c.Relay.CommandRate = -1 }, "command_rate"},
		{"scan loop", func(c *Config) { c.Scan.Loop = true; c.Scan.Interval = time.Second }, "scan.interval"},
		{"no identity", func(c *Config) { c.Devices = []DeviceConfig{{Type: "relay"}} }, "needs an id or an address"},
		{"duplicate", func(c *Config) {
			c.Devices = []DeviceConfig{{ID: "a", Address: "x"}, {ID: "a", Address: "y"}}
		}, `"a" is duplicate`},
		{"reserved", func(c *Config) { c.Devices = []DeviceConfig{{ID: "scan", Address: "x"}} }, "reserved"},
		{"wildcard", func(c *Config) { c.Devices = []DeviceConfig{{ID: "a/b", Address: "x"}} }, "must not contain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Bridge.ID = ""
	cfg.Relay.Format = "xml"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge.id")
	assert.Contains(t, err.Error(), "relay.format")
}

func TestResolveDevice(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	codecs := codec.NewRegistry()

	setup, err := cfg.resolveDevice(cfg.Devices[0], codecs)
	require.NoError(t, err)

	sc := setup.session
	assert.Equal(t, "loft-temp", sc.DeviceID)
	assert.Equal(t, 2*time.Second, sc.Backoff.Base)
	assert.Equal(t, 2*time.Minute, sc.Backoff.Max)
	require.Len(t, sc.Bindings, 2)

	temp := sc.Bindings[0]
	assert.Equal(t, "00002a6e-0000-1000-8000-00805f9b34fb", temp.UUID)
	assert.Equal(t, session.DirectionNotify, temp.Direction)
	assert.True(t, temp.Required)
	assert.Nil(t, temp.Schedule)
	v, err := temp.Codec.Decode([]byte{0x00, 0xD7})
	require.NoError(t, err)
	assert.InDelta(t, 21.5, v, 0.0001)

	battery := sc.Bindings[1]
	require.NotNil(t, battery.Schedule)
	from := time.Date(2026, 1, 1, 1, 0, 0, 0, time.Local)
	assert.Equal(t, time.Date(2026, 1, 1, 6, 0, 0, 0, time.Local), battery.Schedule.Next(from))

	require.Len(t, setup.relay.Characteristics, 2)
	assert.Equal(t, "temp", setup.relay.Characteristics[0].Topic)
	assert.False(t, setup.relay.Characteristics[0].Writable)

	relaySetup, err := cfg.resolveDevice(cfg.Devices[1], codecs)
	require.NoError(t, err)
	assert.Equal(t, "A4:C1:38:00:00:02", relaySetup.session.DeviceID)
	assert.Equal(t, 10, relaySetup.session.MaxRetries)
	assert.Equal(t, 2*time.Second, relaySetup.session.Backoff.Base, "unset override fields keep defaults")
	assert.True(t, relaySetup.relay.Characteristics[0].Writable)
}

func TestResolveDevice_DefaultPoll(t *testing.T) {
	cfg := defaultConfig()
	cfg.Defaults.PollInterval = "30s"
	off := false
	dev := DeviceConfig{
		ID: "d", Address: "x", Type: codec.TypeGeneric,
		Bindings: []BindingConfig{
			{Name: "a", UUID: "2a00", Direction: "read"},
			{Name: "b", UUID: "2a01", Direction: "read", Poll: "off", Required: &off},
		},
	}
	setup, err := cfg.resolveDevice(dev, codec.NewRegistry())
	require.NoError(t, err)

	now := time.Now()
	require.NotNil(t, setup.session.Bindings[0].Schedule)
	assert.Equal(t, now.Add(30*time.Second), setup.session.Bindings[0].Schedule.Next(now))
	assert.Nil(t, setup.session.Bindings[1].Schedule)
	assert.False(t, setup.session.Bindings[1].Required)
}

func TestResolveDevice_Errors(t *testing.T) {
	base := func() DeviceConfig {
		return DeviceConfig{
			ID: "dev", Address: "AA:BB:CC:DD:EE:FF", Type: codec.TypeRelay,
			Bindings: []BindingConfig{{Name: "relay", UUID: "2a57", Direction: "write"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*DeviceConfig)
		wantErr string
	}{
		{"no address", func(d *DeviceConfig) { d.Address = "" }, "address is required"},
		{"no type", func(d *DeviceConfig) { d.Type = "" }, "type is required"},
		{"unknown type", func(d *DeviceConfig) { d.Type = "lamp" }, `unknown device type "lamp"`},
		{"no bindings", func(d *DeviceConfig) { d.Bindings = nil }, "at least one binding"},
		{"no name", func(d *DeviceConfig) { d.Bindings[0].Name = "" }, "name is required"},
		{"bad uuid", func(d *DeviceConfig) { d.Bindings[0].UUID = "zz" }, "invalid characteristic uuid"},
		{"bad direction", func(d *DeviceConfig) { d.Bindings[0].Direction = "both" }, "direction"},
		{"unknown codec", func(d *DeviceConfig) { d.Bindings[0].Codec = "int24" }, "unknown codec"},
		{"poll on write", func(d *DeviceConfig) { d.Bindings[0].Poll = "5s" }, "only valid for read"},
		{"bad poll", func(d *DeviceConfig) {
			d.Bindings[0].Direction = "read"
			d.Bindings[0].Poll = "every so often"
		}, "poll"},
		{"duplicate name", func(d *DeviceConfig) {
			d.Bindings = append(d.Bindings, BindingConfig{Name: "relay", UUID: "2a58"})
		}, "duplicate"},
		{"topic clash", func(d *DeviceConfig) {
			d.Bindings = append(d.Bindings, BindingConfig{Name: "state", UUID: "2a58", Topic: "relay"})
		}, "share topic"},
		{"wildcard topic", func(d *DeviceConfig) { d.Bindings[0].Topic = "a/b" }, "must not contain"},
		{"batch topic", func(d *DeviceConfig) { d.Bindings[0].Topic = "commands" }, "is reserved"},
		{"data name", func(d *DeviceConfig) { d.Bindings[0].Name = "data" }, "is reserved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(&d)
			_, err := defaultConfig().resolveDevice(d, codec.NewRegistry())
			require.ErrorIs(t, err, ErrDeviceConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
