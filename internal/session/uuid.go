package session

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix completes a 16- or 32-bit assigned number into the
// Bluetooth base UUID.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// NormalizeUUID returns the canonical lower-case 128-bit form of a GATT
// UUID. Short forms ("2a19", "0x2A19", "0000ffe1") are expanded against the
// Bluetooth base UUID.
func NormalizeUUID(s string) (string, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")

	switch len(s) {
	case 4:
		s = "0000" + s + bluetoothBaseSuffix
	case 8:
		s += bluetoothBaseSuffix
	}

	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid characteristic uuid %q: %w", s, err)
	}
	return u.String(), nil
}
