package session

// State is the connection state of a device session.
type State int

// Session states. Abandoned is terminal.
const (
	StateDisconnected State = iota
	StateConnecting
	StateDiscovering
	StateSubscribing
	StateActive
	StateAbandoned
)

// String returns the lower-case state name used in logs and status payloads.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateDiscovering:
		return "discovering"
	case StateSubscribing:
		return "subscribing"
	case StateActive:
		return "active"
	case StateAbandoned:
		return "abandoned"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
