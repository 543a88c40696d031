// Package influxdb forwards relayed BLE values to InfluxDB v2 as time
// series.
//
// Each value the relay publishes becomes one point in the "ble_value"
// measurement:
//
//	ble_value,device_id=temp1,characteristic=temperature value=21.5
//
// Strings and byte arrays are not written. Booleans become 0 or 1.
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB)
//	if err != nil { ... }
//	defer client.Close()
//	client.SetOnError(func(err error) { log.Warn("influx write", "error", err) })
//
// The client satisfies relay.TelemetryWriter.
package influxdb
