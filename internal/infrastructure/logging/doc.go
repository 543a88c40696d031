// Package logging provides structured logging for the BLE bridge.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text while developing, and default "service" and "version"
// attributes on every record.
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, file
//	  file: ""           # used when output is "file"
//
// Components derive child loggers with With:
//
//	log := logger.With("component", "relay")
//	log.Info("lane started", "device_id", id)
//
// Never log MQTT passwords or InfluxDB tokens.
package logging
