package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
site:
  id: "garage"
mqtt:
  broker:
    host: "broker.lan"
    port: 1884
  auth:
    username: "bridge"
  qos: 0
  topic_prefix: "sensors"
bluetooth:
  connect_timeout: 3s
ble:
  config_file: "/etc/blebridge/devices.yaml"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "garage" {
		t.Errorf("Site.ID = %q, want garage", cfg.Site.ID)
	}
	if cfg.MQTT.Broker.Host != "broker.lan" || cfg.MQTT.Broker.Port != 1884 {
		t.Errorf("broker = %s, want broker.lan:1884", cfg.MQTT.BrokerAddress())
	}
	if cfg.MQTT.QoS != 0 {
		t.Errorf("QoS = %d, want 0", cfg.MQTT.QoS)
	}
	if cfg.MQTT.TopicPrefix != "sensors" {
		t.Errorf("TopicPrefix = %q, want sensors", cfg.MQTT.TopicPrefix)
	}
	if cfg.Bluetooth.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", cfg.Bluetooth.ConnectTimeout)
	}
	// Untouched values keep their defaults.
	if cfg.Bluetooth.WriteTimeout != 5*time.Second {
		t.Errorf("WriteTimeout = %v, want default 5s", cfg.Bluetooth.WriteTimeout)
	}
	if cfg.BLE.ConfigFile != "/etc/blebridge/devices.yaml" {
		t.Errorf("BLE.ConfigFile = %q", cfg.BLE.ConfigFile)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "mqtt: [broken")
	if _, err := Load(path); err == nil {
		t.Error("Load() expected error for invalid YAML")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "site:\n  id: x\n")

	t.Setenv("BLEBRIDGE_MQTT_HOST", "env-broker")
	t.Setenv("BLEBRIDGE_MQTT_PORT", "8883")
	t.Setenv("BLEBRIDGE_MQTT_PASSWORD", "s3cret")
	t.Setenv("BLEBRIDGE_MQTT_TOPIC_PREFIX", "home/ble")
	t.Setenv("BLEBRIDGE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.MQTT.Broker.Host != "env-broker" {
		t.Errorf("Host = %q, want env-broker", cfg.MQTT.Broker.Host)
	}
	if cfg.MQTT.Broker.Port != 8883 {
		t.Errorf("Port = %d, want 8883", cfg.MQTT.Broker.Port)
	}
	if cfg.MQTT.Auth.Password != "s3cret" {
		t.Error("password override not applied")
	}
	if cfg.MQTT.TopicPrefix != "home/ble" {
		t.Errorf("TopicPrefix = %q", cfg.MQTT.TopicPrefix)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "empty site id",
			mutate:  func(c *Config) { c.Site.ID = "" },
			wantErr: "site.id is required",
		},
		{
			name:    "bad qos",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: "mqtt.qos",
		},
		{
			name:    "wildcard prefix",
			mutate:  func(c *Config) { c.MQTT.TopicPrefix = "ble/#" },
			wantErr: "mqtt.topic_prefix",
		},
		{
			name:    "no host without discovery",
			mutate:  func(c *Config) { c.MQTT.Broker.Host = "" },
			wantErr: "mqtt.broker.host",
		},
		{
			name: "no host with discovery",
			mutate: func(c *Config) {
				c.MQTT.Broker.Host = ""
				c.MQTT.Broker.Discover = true
			},
		},
		{
			name:    "zero read timeout",
			mutate:  func(c *Config) { c.Bluetooth.ReadTimeout = 0 },
			wantErr: "bluetooth.read_timeout",
		},
		{
			name: "influx without url",
			mutate: func(c *Config) {
				c.InfluxDB.Enabled = true
				c.InfluxDB.Bucket = "ble"
			},
			wantErr: "influxdb.url",
		},
		{
			name: "database without path",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Path = ""
			},
			wantErr: "database.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := defaultConfig()
	cfg.Site.ID = ""
	cfg.MQTT.QoS = 5

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "site.id") || !strings.Contains(err.Error(), "mqtt.qos") {
		t.Errorf("expected both problems reported, got %v", err)
	}
}

func TestAPITimeouts(t *testing.T) {
	api := defaultConfig().API
	if api.ReadTimeout() != 15*time.Second {
		t.Errorf("ReadTimeout() = %v", api.ReadTimeout())
	}
	if api.WriteTimeout() != 15*time.Second {
		t.Errorf("WriteTimeout() = %v", api.WriteTimeout())
	}
	if api.IdleTimeout() != time.Minute {
		t.Errorf("IdleTimeout() = %v", api.IdleTimeout())
	}
}

func TestCredentialsRedacted(t *testing.T) {
	auth := MQTTAuthConfig{Username: "bridge", Password: "hunter2"}
	if s := fmt.Sprint(auth); strings.Contains(s, "hunter2") || !strings.Contains(s, "bridge") {
		t.Errorf("String() = %q", s)
	}
	if s := fmt.Sprintf("%+v", MQTTConfig{Auth: auth}); strings.Contains(s, "hunter2") {
		t.Errorf("nested format leaked password: %q", s)
	}

	b, err := json.Marshal(auth)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(b), "hunter2") || !strings.Contains(string(b), redacted) {
		t.Errorf("MarshalJSON() = %s", b)
	}

	b, err = json.Marshal(MQTTAuthConfig{Username: "anon"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(b), "password") {
		t.Errorf("empty password should be omitted, got %s", b)
	}

	b, err = json.Marshal(InfluxDBConfig{URL: "http://influx:8086", Token: "s3cret"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if strings.Contains(string(b), "s3cret") || !strings.Contains(string(b), "influx:8086") {
		t.Errorf("InfluxDB MarshalJSON() = %s", b)
	}
}
