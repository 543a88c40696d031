// Package mqtt provides MQTT connectivity for the BLE bridge.
//
// It wraps paho.mqtt.golang and manages:
//   - Connection to the broker with auto-reconnect
//   - Publishing with QoS and retain control
//   - Subscriptions that survive reconnects
//   - A retained online/offline status with Last Will and Testament
//   - Optional broker discovery over mDNS (_mqtt._tcp)
//
// # Topic Layout
//
// Every topic lives under the configured prefix (default "ble"):
//
//	<prefix>/<device>/<characteristic>          decoded values (retained)
//	<prefix>/<device>/<characteristic>/set      writes from consumers
//	<prefix>/<device>/<characteristic>/error    delivery failures
//	<prefix>/<device>/commands                  JSON batch commands
//	<prefix>/<device>/data/<name>               batch read results
//	<prefix>/scan/commands                      scan trigger (seconds)
//	<prefix>/<address>/rssi                     scan results
//	<prefix>/bridge/health                      health report
//	<prefix>/bridge/status                      online/offline, LWT
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	t := client.Topics()
//	err = client.Publish(t.Value("AA:BB:CC:DD:EE:FF", "temp"), []byte("21.5"), 1, true)
package mqtt
