package ble

import (
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/registry"
	"github.com/nerrad567/ble-mqtt-bridge/internal/relay"
)

// HealthStatus represents the operational status of the bridge.
type HealthStatus string

const (
	// HealthStarting is published while the bridge initialises.
	HealthStarting HealthStatus = "starting"

	// HealthHealthy indicates every device is active and MQTT is up.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates a device is down or abandoned, MQTT is
	// disconnected, or publishes are failing.
	HealthDegraded HealthStatus = "degraded"

	// HealthStopping is published during graceful shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is published to <prefix>/bridge/health.
// QoS: configured, Retained: Yes
type HealthMessage struct {
	BridgeID      string       `json:"bridge_id"`
	Status        HealthStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	Version       string       `json:"version"`
	Timestamp     time.Time    `json:"timestamp"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	MQTTConnected bool         `json:"mqtt_connected"`

	DevicesTotal     int `json:"devices_total"`
	DevicesActive    int `json:"devices_active"`
	DevicesAbandoned int `json:"devices_abandoned"`

	Devices       []DeviceHealth `json:"devices"`
	Relay         relay.Stats    `json:"relay"`
	UnknownTopics int64          `json:"unknown_topics"`
}

// DeviceHealth is the per-device part of a health message.
type DeviceHealth struct {
	ID         string `json:"id"`
	State      string `json:"state"`
	Abandoned  bool   `json:"abandoned,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	RetryCount int    `json:"retry_count,omitempty"`
	Restarts   int    `json:"restarts,omitempty"`
}

// DeviceStatus is a device's session status joined with its relay counters.
type DeviceStatus struct {
	registry.DeviceStatus
	Relay relay.Stats `json:"relay"`
}

// AdvertisementMessage is published to <prefix>/<address>/advertisement/json.
type AdvertisementMessage struct {
	LocalName string `json:"local_name"`
	RSSI      int16  `json:"rssi"`
	Address   string `json:"address"`
}
