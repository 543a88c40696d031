package registry

import "errors"

var (
	// ErrUnknownDevice indicates the device ID is not configured.
	ErrUnknownDevice = errors.New("registry: unknown device")

	// ErrDuplicateDevice indicates a device ID was registered twice.
	ErrDuplicateDevice = errors.New("registry: duplicate device")

	// ErrDeviceAbandoned indicates the device's session has given up.
	ErrDeviceAbandoned = errors.New("registry: device abandoned")

	// ErrAlreadyStarted indicates Start was called twice or Add after Start.
	ErrAlreadyStarted = errors.New("registry: already started")

	// ErrSessionPanic wraps a recovered panic from a session goroutine.
	ErrSessionPanic = errors.New("registry: session panicked")

	// ErrShutdownTimeout indicates sessions did not exit within the grace period.
	ErrShutdownTimeout = errors.New("registry: shutdown grace period exceeded")
)
