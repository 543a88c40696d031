package ble

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ble-mqtt-bridge/internal/relay"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// Config is the bridge device file.
// Loaded from YAML with environment variable overrides.
type Config struct {
	Bridge   BridgeConfig   `yaml:"bridge"`
	Relay    RelayConfig    `yaml:"relay"`
	Scan     ScanConfig     `yaml:"scan"`
	Defaults DeviceDefaults `yaml:"defaults"`
	Devices  []DeviceConfig `yaml:"devices"`
}

// BridgeConfig contains bridge identity and supervisor settings.
type BridgeConfig struct {
	// ID identifies this bridge in health messages.
	ID string `yaml:"id"`

	// HealthInterval is how often health is published.
	// Default: 30s.
	HealthInterval time.Duration `yaml:"health_interval"`

	// MaxRestarts bounds supervisor restarts per device.
	// Default: 5. Negative disables restarts.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartDelay is the wait before a supervisor restart.
	// Default: 5s.
	RestartDelay time.Duration `yaml:"restart_delay"`

	// ShutdownGrace bounds how long Stop waits for sessions and lanes.
	// Default: 10s.
	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

// RelayConfig controls how values and commands cross the MQTT boundary.
type RelayConfig struct {
	// BufferSize is the per-device queue length. Default: 64.
	BufferSize int `yaml:"buffer_size"`

	// Format is the value payload format: text, json or cbor.
	// Default: text.
	Format string `yaml:"format"`

	// Retain marks value publications as retained. Default: true.
	Retain bool `yaml:"retain"`

	// CommandRate is commands per second per device; 0 is unlimited.
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`

	// CommandTTL fails commands queued longer than this. 0 disables.
	CommandTTL time.Duration `yaml:"command_ttl"`

	// BatchRetryDelay is the wait before a failed batch is retried.
	// Default: 10s.
	BatchRetryDelay time.Duration `yaml:"batch_retry_delay"`
}

// ScanConfig controls advertisement scanning.
type ScanConfig struct {
	// Initial runs one scan at startup. Default: true.
	Initial bool `yaml:"initial"`

	// Loop repeats the scan every Interval.
	Loop     bool          `yaml:"loop"`
	Interval time.Duration `yaml:"interval"`

	// Duration is the length of a scheduled scan. Default: 5s.
	Duration time.Duration `yaml:"duration"`
}

// DeviceDefaults apply to every device that does not override them.
type DeviceDefaults struct {
	Reconnect    ReconnectConfig `yaml:"reconnect"`
	PollInterval string          `yaml:"poll_interval"`
}

// ReconnectConfig is the reconnect backoff for a device.
type ReconnectConfig struct {
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`

	// Jitter is the random fraction applied to each delay. Default: 0.25.
	Jitter float64 `yaml:"jitter"`

	// MaxRetries abandons the device after this many consecutive failed
	// attempts. 0 retries forever.
	MaxRetries int `yaml:"max_retries"`
}

// over returns base with every non-zero field of r applied.
func (r ReconnectConfig) over(base ReconnectConfig) ReconnectConfig {
	if r.BaseDelay > 0 {
		base.BaseDelay = r.BaseDelay
	}
	if r.MaxDelay > 0 {
		base.MaxDelay = r.MaxDelay
	}
	if r.Jitter > 0 {
		base.Jitter = r.Jitter
	}
	if r.MaxRetries != 0 {
		base.MaxRetries = r.MaxRetries
	}
	return base
}

// DeviceConfig describes one BLE peripheral.
type DeviceConfig struct {
	// ID is the topic segment. Defaults to the address.
	ID string `yaml:"id"`

	// Address is the peripheral MAC, e.g. "A4:C1:38:00:00:01".
	Address string `yaml:"address"`

	// Type selects the codec defaults, e.g. "tempSensor", "relay".
	Type string `yaml:"type"`

	// Reconnect overrides the default backoff.
	Reconnect *ReconnectConfig `yaml:"reconnect"`

	// PollInterval is the default schedule for read bindings: a Go
	// duration or a cron expression.
	PollInterval string `yaml:"poll_interval"`

	Bindings []BindingConfig `yaml:"bindings"`
}

// BindingConfig maps one GATT characteristic.
type BindingConfig struct {
	Name      string  `yaml:"name"`
	UUID      string  `yaml:"uuid"`
	Direction string  `yaml:"direction"`
	Topic     string  `yaml:"topic"`
	Codec     string  `yaml:"codec"`
	Scale     float64 `yaml:"scale"`
	Precision *int    `yaml:"precision"`

	// Poll overrides the device poll schedule for read bindings. "off"
	// disables polling.
	Poll string `yaml:"poll"`

	// Required fails the connection when the characteristic is absent.
	// Default: true.
	Required *bool `yaml:"required"`
}

// Identity returns the device ID, falling back to the address.
func (d DeviceConfig) Identity() string {
	if d.ID != "" {
		return d.ID
	}
	return d.Address
}

// LoadConfig reads the bridge device file.
//
// Loading order:
//  1. Default values
//  2. YAML file values
//  3. Environment variables (BLEBRIDGE_BRIDGE_*)
//
// Only bridge-wide problems fail here; a broken device is reported when
// the bridge is built and abandoned on its own.
func LoadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrConfig, path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %w", ErrConfig, path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Bridge: BridgeConfig{
			ID:             "ble-bridge-01",
			HealthInterval: 30 * time.Second,
			MaxRestarts:    5,
			RestartDelay:   5 * time.Second,
			ShutdownGrace:  10 * time.Second,
		},
		Relay: RelayConfig{
			BufferSize:      relay.DefaultBufferSize,
			Format:          relay.FormatText,
			Retain:          true,
			CommandBurst:    1,
			BatchRetryDelay: relay.DefaultBatchRetryDelay,
		},
		Scan: ScanConfig{
			Initial:  true,
			Interval: 5 * time.Minute,
			Duration: 5 * time.Second,
		},
		Defaults: DeviceDefaults{
			Reconnect: ReconnectConfig{
				BaseDelay: session.DefaultBaseDelay,
				MaxDelay:  session.DefaultMaxDelay,
				Jitter:    session.DefaultJitter,
			},
		},
	}
}

// applyEnvOverrides applies BLEBRIDGE_BRIDGE_* variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLEBRIDGE_BRIDGE_ID"); v != "" {
		cfg.Bridge.ID = v
	}
	if v := os.Getenv("BLEBRIDGE_BRIDGE_FORMAT"); v != "" {
		cfg.Relay.Format = v
	}
	if v := os.Getenv("BLEBRIDGE_BRIDGE_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.BufferSize = n
		}
	}
	if v := os.Getenv("BLEBRIDGE_BRIDGE_RETAIN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Relay.Retain = b
		}
	}
}

// Validate checks bridge-wide settings and device identities.
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.validateBridge()...)
	errs = append(errs, c.validateRelay()...)
	errs = append(errs, c.validateScan()...)
	errs = append(errs, c.validateDeviceIdentities()...)

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateBridge() []string {
	var errs []string
	if c.Bridge.ID == "" {
		errs = append(errs, "bridge.id is required")
	}
	if c.Bridge.HealthInterval < time.Second {
		errs = append(errs, "bridge.health_interval must be at least 1s")
	}
	if c.Bridge.RestartDelay < 0 {
		errs = append(errs, "bridge.restart_delay must not be negative")
	}
	if c.Bridge.ShutdownGrace <= 0 {
		errs = append(errs, "bridge.shutdown_grace must be positive")
	}
	return errs
}

func (c *Config) validateRelay() []string {
	var errs []string
	if c.Relay.BufferSize < 1 {
		errs = append(errs, "relay.buffer_size must be at least 1")
	}
	switch c.Relay.Format {
	case relay.FormatText, relay.FormatJSON, relay.FormatCBOR:
	default:
		errs = append(errs, fmt.Sprintf("relay.format %q is invalid (use text, json or cbor)", c.Relay.Format))
	}
	if c.Relay.CommandRate < 0 {
		errs = append(errs, "relay.command_rate must not be negative")
	}
	if c.Relay.CommandTTL < 0 {
		errs = append(errs, "relay.command_ttl must not be negative")
	}
	return errs
}

func (c *Config) validateScan() []string {
	var errs []string
	if c.Scan.Duration <= 0 {
		errs = append(errs, "scan.duration must be positive")
	}
	if c.Scan.Loop && c.Scan.Interval <= c.Scan.Duration {
		errs = append(errs, "scan.interval must be longer than scan.duration")
	}
	return errs
}

// reservedIDs are topic segments used by bridge-level topics.
var reservedIDs = map[string]bool{"scan": true, "scanning": true, "bridge": true}

func (c *Config) validateDeviceIdentities() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		id := d.Identity()
		if id == "" {
			errs = append(errs, fmt.Sprintf("devices[%d] needs an id or an address", i))
			continue
		}
		if strings.ContainsAny(id, "+#/") {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q must not contain '+', '#' or '/'", i, id))
		}
		if reservedIDs[id] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is reserved", i, id))
		}
		if seen[id] {
			errs = append(errs, fmt.Sprintf("devices[%d].id %q is duplicate", i, id))
		}
		seen[id] = true
	}
	return errs
}

// deviceSetup is a device configuration resolved against the codec registry.
type deviceSetup struct {
	session session.Config
	relay   relay.Device
}

// resolveDevice turns one DeviceConfig into session and relay
// configuration. Errors wrap ErrDeviceConfig.
func (c *Config) resolveDevice(d DeviceConfig, codecs *codec.Registry) (deviceSetup, error) {
	id := d.Identity()
	fail := func(format string, args ...any) (deviceSetup, error) {
		return deviceSetup{}, fmt.Errorf("%w: device %s: %s", ErrDeviceConfig, id, fmt.Sprintf(format, args...))
	}

	if d.Address == "" {
		return fail("address is required")
	}
	if d.Type == "" {
		return fail("type is required")
	}
	if !codecs.HasDeviceType(d.Type) {
		return fail("unknown device type %q", d.Type)
	}
	if len(d.Bindings) == 0 {
		return fail("at least one binding is required")
	}

	reconnect := c.Defaults.Reconnect
	if d.Reconnect != nil {
		reconnect = d.Reconnect.over(reconnect)
	}
	pollDefault := d.PollInterval
	if pollDefault == "" {
		pollDefault = c.Defaults.PollInterval
	}

	setup := deviceSetup{
		session: session.Config{
			DeviceID: id,
			Address:  d.Address,
			Backoff: session.BackoffConfig{
				Base:   reconnect.BaseDelay,
				Max:    reconnect.MaxDelay,
				Jitter: reconnect.Jitter,
			},
			MaxRetries: reconnect.MaxRetries,
			CommandTTL: c.Relay.CommandTTL,
		},
		relay: relay.Device{ID: id},
	}

	names := make(map[string]bool, len(d.Bindings))
	topics := make(map[string]string, len(d.Bindings))
	for i, bc := range d.Bindings {
		if bc.Name == "" {
			return fail("bindings[%d].name is required", i)
		}
		if names[bc.Name] {
			return fail("binding %q is duplicate", bc.Name)
		}
		names[bc.Name] = true

		topic := bc.Topic
		if topic == "" {
			topic = bc.Name
		}
		if strings.ContainsAny(topic, "+#/") {
			return fail("binding %q: topic %q must not contain '+', '#' or '/'", bc.Name, topic)
		}
		if mqtt.ReservedSuffix(topic) {
			return fail("binding %q: topic %q is reserved", bc.Name, topic)
		}
		if other, dup := topics[topic]; dup {
			return fail("bindings %q and %q share topic %q", other, bc.Name, topic)
		}
		topics[topic] = bc.Name

		uuid, err := session.NormalizeUUID(bc.UUID)
		if err != nil {
			return fail("binding %q: %v", bc.Name, err)
		}

		dir := session.Direction(bc.Direction)
		if dir == "" {
			dir = session.DirectionNotify
		}
		switch dir {
		case session.DirectionNotify, session.DirectionRead, session.DirectionWrite:
		default:
			return fail("binding %q: direction %q is invalid (use notify, read or write)", bc.Name, bc.Direction)
		}

		cd, err := codecs.Resolve(d.Type, bc.Name, codec.Ref{Codec: bc.Codec, Scale: bc.Scale, Precision: bc.Precision})
		if err != nil {
			return fail("binding %q: %v", bc.Name, err)
		}

		b := session.Binding{
			Name:      bc.Name,
			UUID:      uuid,
			Direction: dir,
			Codec:     cd,
			Required:  bc.Required == nil || *bc.Required,
		}

		if dir == session.DirectionRead {
			poll := bc.Poll
			if poll == "" {
				poll = pollDefault
			}
			if poll != "" && poll != "off" {
				sched, err := session.ParseSchedule(poll)
				if err != nil {
					return fail("binding %q: poll: %v", bc.Name, err)
				}
				b.Schedule = sched
			}
		} else if bc.Poll != "" {
			return fail("binding %q: poll is only valid for read bindings", bc.Name)
		}

		setup.session.Bindings = append(setup.session.Bindings, b)
		setup.relay.Characteristics = append(setup.relay.Characteristics, relay.Characteristic{
			Name:     bc.Name,
			UUID:     uuid,
			Topic:    topic,
			Writable: dir == session.DirectionWrite,
			Codec:    cd,
		})
	}

	return setup, nil
}
