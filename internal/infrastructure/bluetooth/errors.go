package bluetooth

import "errors"

// Domain-specific errors for the BLE transport.
var (
	// ErrUnsupportedPlatform is returned on builds without a BLE stack.
	ErrUnsupportedPlatform = errors.New("bluetooth: unsupported platform")

	// ErrAdapter indicates the adapter could not be enabled.
	ErrAdapter = errors.New("bluetooth: adapter unavailable")

	// ErrConnectFailed indicates a connection attempt failed.
	ErrConnectFailed = errors.New("bluetooth: connect failed")

	// ErrTimeout indicates a BLE call did not finish before its deadline.
	ErrTimeout = errors.New("bluetooth: operation timed out")

	// ErrNotConnected indicates the link has been closed or lost.
	ErrNotConnected = errors.New("bluetooth: not connected")

	// ErrInvalidAddress indicates a malformed device address.
	ErrInvalidAddress = errors.New("bluetooth: invalid address")

	// ErrScanInProgress indicates a scan is already running.
	ErrScanInProgress = errors.New("bluetooth: scan already in progress")

	// ErrClosed indicates the adapter has been closed.
	ErrClosed = errors.New("bluetooth: adapter closed")
)
