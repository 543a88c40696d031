// Package session runs the connection state machine for one BLE device.
//
// A Session moves through Disconnected, Connecting, Discovering,
// Subscribing and Active, falling back to Disconnected on any transport
// failure and reconnecting with exponential backoff. A device whose
// configuration cannot be satisfied, or whose retry budget is spent, ends
// in the terminal Abandoned state and makes no further BLE calls.
//
// In Active the session multiplexes notifications, scheduled reads and
// queued commands over a single goroutine, so transport calls for a
// device are never concurrent. Decoded values and command failures leave
// through a Sink, which must not block.
package session
