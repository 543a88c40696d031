// Package config loads and validates the bridge's process configuration.
//
// The process configuration covers the collaborators: MQTT broker, Bluetooth
// adapter, SQLite history, InfluxDB, the status API and logging. The device
// list lives in a separate bridge file referenced by ble.config_file and is
// loaded by the ble bridge package.
//
// Secrets (MQTT password, InfluxDB token) should come from the environment:
//
//	BLEBRIDGE_MQTT_PASSWORD=... BLEBRIDGE_INFLUXDB_TOKEN=... blebridge
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    return err
//	}
package config
