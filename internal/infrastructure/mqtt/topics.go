package mqtt

import "strings"

// Topic segments below the prefix.
const (
	segmentSet         = "set"
	segmentCommands    = "commands"
	segmentData        = "data"
	segmentError       = "error"
	segmentBridge      = "bridge"
	segmentScan        = "scan"
	segmentScanning    = "scanning"
	segmentRSSI        = "rssi"
	segmentAdvertising = "advertisement"
)

// Topics builds every topic the bridge publishes or subscribes to.
//
//	t := mqtt.NewTopics("sensors")
//	t.Value("AA:BB:CC:DD:EE:FF", "temp")   // sensors/AA:BB:CC:DD:EE:FF/temp
//	t.Command("AA:BB:CC:DD:EE:FF", "relay") // sensors/AA:BB:CC:DD:EE:FF/relay/set
type Topics struct {
	prefix string
}

// NewTopics returns a builder rooted at prefix. Trailing slashes are trimmed.
func NewTopics(prefix string) Topics {
	return Topics{prefix: strings.TrimRight(prefix, "/")}
}

// ReservedSuffix reports whether a characteristic topic segment would
// collide with a device-level topic (batch, batch data or RSSI).
func ReservedSuffix(segment string) bool {
	switch segment {
	case segmentCommands, segmentData, segmentRSSI:
		return true
	}
	return false
}

// Prefix returns the root segment(s).
func (t Topics) Prefix() string { return t.prefix }

func (t Topics) join(parts ...string) string {
	return t.prefix + "/" + strings.Join(parts, "/")
}

// Value is where decoded characteristic values are published.
func (t Topics) Value(deviceID, characteristic string) string {
	return t.join(deviceID, characteristic)
}

// Command is where consumers write a characteristic.
func (t Topics) Command(deviceID, characteristic string) string {
	return t.join(deviceID, characteristic, segmentSet)
}

// CommandPattern matches every characteristic command topic.
func (t Topics) CommandPattern() string {
	return t.join("+", "+", segmentSet)
}

// Error carries delivery failures for a characteristic.
func (t Topics) Error(deviceID, characteristic string) string {
	return t.join(deviceID, characteristic, segmentError)
}

// Batch accepts JSON command lists for a device.
func (t Topics) Batch(deviceID string) string {
	return t.join(deviceID, segmentCommands)
}

// BatchPattern matches every batch topic, including the scan trigger.
func (t Topics) BatchPattern() string {
	return t.join("+", segmentCommands)
}

// Data carries batch read results.
func (t Topics) Data(deviceID, name string) string {
	return t.join(deviceID, segmentData, name)
}

// ScanCommand triggers an advertisement scan; the payload is seconds.
func (t Topics) ScanCommand() string {
	return t.join(segmentScan, segmentCommands)
}

// ScanError carries scanner failures.
func (t Topics) ScanError() string {
	return t.join(segmentScanning, segmentError)
}

// RSSI is the signal strength of an advertising address.
func (t Topics) RSSI(address string) string {
	return t.join(address, segmentRSSI)
}

// Advertisement is the JSON summary of an advertisement.
func (t Topics) Advertisement(address string) string {
	return t.join(address, segmentAdvertising, "json")
}

// BridgeHealth carries the periodic health report.
func (t Topics) BridgeHealth() string {
	return t.join(segmentBridge, "health")
}

// BridgeStatus carries online/offline and the LWT.
func (t Topics) BridgeStatus() string {
	return t.join(segmentBridge, "status")
}

// Contains reports whether a topic or pattern lies below the prefix.
func (t Topics) Contains(topic string) bool {
	rest, found := strings.CutPrefix(topic, t.prefix+"/")
	return found && rest != ""
}

// IsInbound reports whether topic is one the bridge consumes commands on.
func (t Topics) IsInbound(topic string) bool {
	if _, _, ok := t.ParseCommand(topic); ok {
		return true
	}
	_, ok := t.ParseBatch(topic)
	return ok
}

// ParseCommand splits <prefix>/<device>/<characteristic>/set.
func (t Topics) ParseCommand(topic string) (deviceID, characteristic string, ok bool) {
	parts, ok := t.split(topic)
	if !ok || len(parts) != 3 || parts[2] != segmentSet {
		return "", "", false
	}
	if parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// ParseBatch splits <prefix>/<device>/commands. The scan trigger parses
// with deviceID "scan"; callers check ScanCommand first.
func (t Topics) ParseBatch(topic string) (deviceID string, ok bool) {
	parts, ok := t.split(topic)
	if !ok || len(parts) != 2 || parts[1] != segmentCommands || parts[0] == "" {
		return "", false
	}
	return parts[0], true
}

func (t Topics) split(topic string) ([]string, bool) {
	rest, found := strings.CutPrefix(topic, t.prefix+"/")
	if !found {
		return nil, false
	}
	return strings.Split(rest, "/"), true
}
