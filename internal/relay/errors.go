package relay

import "errors"

var (
	// ErrDelivery indicates a command could not be handed to its device.
	ErrDelivery = errors.New("relay: delivery failed")

	// ErrRateLimited indicates a device's command rate was exceeded.
	ErrRateLimited = errors.New("relay: command rate limit exceeded")

	// ErrUnknownTopic indicates an inbound topic matches no binding.
	ErrUnknownTopic = errors.New("relay: unknown topic")

	// ErrInvalidBatch indicates a malformed batch command payload.
	ErrInvalidBatch = errors.New("relay: invalid batch")

	// ErrBatchTimeout indicates a batch did not complete in time.
	ErrBatchTimeout = errors.New("relay: batch timed out")

	// ErrStopped indicates the pipeline is shutting down.
	ErrStopped = errors.New("relay: stopped")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("relay: already started")
)
