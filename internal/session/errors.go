package session

import "errors"

// Domain-specific errors for device sessions.
var (
	// ErrTransport indicates a BLE transport operation failed. Transient.
	ErrTransport = errors.New("session: transport error")

	// ErrConfig indicates the device configuration cannot be satisfied
	// by the peripheral, such as a missing required characteristic.
	ErrConfig = errors.New("session: configuration error")

	// ErrAbandoned is returned by Run once the session has given up.
	ErrAbandoned = errors.New("session: abandoned")

	// ErrNotActive indicates a command was submitted while the session
	// had no usable link.
	ErrNotActive = errors.New("session: not active")

	// ErrCommandQueueFull indicates the command buffer is full.
	ErrCommandQueueFull = errors.New("session: command queue full")

	// ErrWriteFailed indicates a characteristic write failed after retry.
	ErrWriteFailed = errors.New("session: write failed")

	// ErrCommandExpired indicates a command waited too long in the queue.
	ErrCommandExpired = errors.New("session: command expired")

	// ErrUnknownCharacteristic indicates a command named a characteristic
	// the session has no binding for.
	ErrUnknownCharacteristic = errors.New("session: unknown characteristic")
)
