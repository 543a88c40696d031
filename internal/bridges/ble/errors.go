package ble

import "errors"

// Domain errors for the BLE bridge package.
var (
	// ErrConfig is returned when the bridge device file is unusable.
	ErrConfig = errors.New("ble: invalid configuration")

	// ErrDeviceConfig marks a configuration problem confined to one device.
	// Such devices are abandoned rather than failing the bridge.
	ErrDeviceConfig = errors.New("ble: invalid device configuration")

	// ErrUnknownDevice is returned when a device ID is not configured.
	ErrUnknownDevice = errors.New("ble: unknown device")

	// ErrNotStarted is returned by operations that need a running bridge.
	ErrNotStarted = errors.New("ble: bridge not started")

	// ErrScanUnavailable is returned when no scanner is configured.
	ErrScanUnavailable = errors.New("ble: scanning unavailable")
)
