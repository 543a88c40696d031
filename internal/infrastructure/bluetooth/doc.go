// Package bluetooth is the BLE central transport used by device sessions.
//
// On Linux it drives BlueZ through tinygo.org/x/bluetooth. Every blocking
// adapter call runs under the caller's context so a stuck BlueZ request
// cannot wedge a session; a timed-out call is abandoned and surfaces as
// ErrTimeout. Disconnect notifications arrive on a single adapter-wide
// handler and are fanned out per address to each link's Disconnected
// channel.
//
// Other platforms compile against a stub that returns
// ErrUnsupportedPlatform.
package bluetooth
