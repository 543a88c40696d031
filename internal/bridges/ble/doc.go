// Package ble is the bridge controller: it turns the device file into
// sessions, a session registry and a relay pipeline, and connects them to
// MQTT.
//
// Topic layout, for prefix "ble":
//
//	ble/<device>/<characteristic>          values (retained by default)
//	ble/<device>/<characteristic>/set      single-characteristic commands
//	ble/<device>/<characteristic>/error    delivery failures
//	ble/<device>/commands                  batch commands
//	ble/<device>/data/<name>               batch results
//	ble/scan/commands                      scan request, payload in seconds
//	ble/<address>/rssi                     scan results
//	ble/<address>/advertisement/json
//	ble/scanning/error
//	ble/bridge/health                      retained health report
//	ble/bridge/status                      online/offline (LWT)
//
// A device whose configuration cannot be resolved (unknown type, bad UUID,
// clashing topics) is abandoned at startup and listed as such; the other
// devices run normally.
package ble
