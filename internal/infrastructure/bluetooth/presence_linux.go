//go:build linux

package bluetooth

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezService      = "org.bluez"
	bluezDevice       = "org.bluez.Device1"
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	defaultAdapterID  = "hci0"
)

var connectedMatch = []dbus.MatchOption{
	dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
	dbus.WithMatchMember("PropertiesChanged"),
	dbus.WithMatchArg(0, bluezDevice),
}

// presence follows BlueZ Device1.Connected so links learn about drops the
// peripheral or the controller initiates. The central-role Connect in
// tinygo never reports those.
type presence struct {
	conn    *dbus.Conn
	adapter string
	signals chan *dbus.Signal
}

func watchPresence(conn *dbus.Conn, adapterID string, onLost func(address string)) (*presence, error) {
	if err := conn.AddMatchSignal(connectedMatch...); err != nil {
		return nil, fmt.Errorf("watch device connections: %w", err)
	}
	p := &presence{
		conn:    conn,
		adapter: adapterID,
		signals: make(chan *dbus.Signal, 32),
	}
	conn.Signal(p.signals)
	go p.run(onLost)
	return p, nil
}

func (p *presence) run(onLost func(address string)) {
	for sig := range p.signals {
		if address, ok := disconnectedDevice(sig, p.adapter); ok {
			onLost(address)
		}
	}
}

func (p *presence) stop() {
	p.conn.RemoveSignal(p.signals)
	_ = p.conn.RemoveMatchSignal(connectedMatch...)
	close(p.signals)
}

// disconnectedDevice returns the address of the device a signal reports as
// no longer connected on adapterID.
func disconnectedDevice(sig *dbus.Signal, adapterID string) (string, bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", false
	}
	if iface, ok := sig.Body[0].(string); !ok || iface != bluezDevice {
		return "", false
	}
	changes, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return "", false
	}
	connected, ok := changes["Connected"].Value().(bool)
	if !ok || connected {
		return "", false
	}

	prefix := "/org/bluez/" + adapterID + "/dev_"
	rest, found := strings.CutPrefix(string(sig.Path), prefix)
	if !found || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return strings.ReplaceAll(rest, "_", ":"), true
}

// devicePath is the BlueZ object path of a peripheral.
func devicePath(adapterID, address string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + adapterID + "/dev_" +
		strings.ReplaceAll(normalizeAddress(address), ":", "_"))
}
