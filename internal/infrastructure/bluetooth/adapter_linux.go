//go:build linux

package bluetooth

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// Adapter is a BlueZ-backed BLE central. It implements session.Transport.
type Adapter struct {
	cfg      Config
	adapter  *bluetooth.Adapter
	bus      *dbus.Conn
	presence *presence
	links    *linkTracker
	logger   Logger

	scanning atomic.Bool
	closed   atomic.Bool
}

// Open enables the host adapter and starts watching BlueZ for dropped
// connections.
func Open(cfg Config) (*Adapter, error) {
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = defaultReadBufferSize
	}
	if cfg.AdapterID == "" {
		cfg.AdapterID = defaultAdapterID
	}

	ba := bluetooth.NewAdapter(cfg.AdapterID)
	if err := ba.Enable(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapter, err)
	}

	bus, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("%w: system bus: %w", ErrAdapter, err)
	}

	a := &Adapter{
		cfg:     cfg,
		adapter: ba,
		bus:     bus,
		links:   newLinkTracker(),
		logger:  noopLogger{},
	}
	a.presence, err = watchPresence(bus, cfg.AdapterID, a.linkLost)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAdapter, err)
	}
	return a, nil
}

func (a *Adapter) linkLost(address string) {
	if a.links.lost(address) {
		a.logger.Info("peripheral disconnected", "address", address)
	}
}

// SetLogger sets the logger.
func (a *Adapter) SetLogger(logger Logger) {
	if logger != nil {
		a.logger = logger
	}
}

// Connect opens a link to the peripheral at address.
func (a *Adapter) Connect(ctx context.Context, address string) (session.Link, error) {
	if a.closed.Load() {
		return nil, ErrClosed
	}
	mac, err := bluetooth.ParseMAC(normalizeAddress(address))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, address, err)
	}
	addr := bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}

	device, err := callRelease(ctx, "connect", func() (bluetooth.Device, error) {
		return a.adapter.Connect(addr, bluetooth.ConnectionParams{})
	}, func(late bluetooth.Device) {
		a.logger.Info("releasing connection completed after cancel", "address", address)
		if err := late.Disconnect(); err != nil {
			a.logger.Debug("release late connection", "address", address, "error", err)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			a.abortConnect(address)
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, err)
	}

	l := &link{
		address: address,
		device:  device,
		state:   a.links.open(address),
		tracker: a.links,
		bufSize: a.cfg.ReadBufferSize,
	}
	a.logger.Debug("peripheral connected", "address", address)
	return l, nil
}

// abortConnect asks BlueZ to drop a connection attempt nobody is waiting
// for any more. BlueZ answers NotConnected when the attempt already failed.
func (a *Adapter) abortConnect(address string) {
	obj := a.bus.Object(bluezService, devicePath(a.cfg.AdapterID, address))
	if err := obj.Call(bluezDevice+".Disconnect", 0).Err; err != nil {
		a.logger.Debug("abort connect", "address", address, "error", err)
	}
}

// Scan reports advertisements for duration or until ctx ends.
func (a *Adapter) Scan(ctx context.Context, duration time.Duration, onResult func(Advertisement)) error {
	if a.closed.Load() {
		return ErrClosed
	}
	if !a.scanning.CompareAndSwap(false, true) {
		return ErrScanInProgress
	}
	defer a.scanning.Store(false)

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		if err := a.adapter.StopScan(); err != nil {
			a.logger.Debug("stop scan", "error", err)
		}
	})
	defer stop()

	err := a.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		onResult(Advertisement{
			Address:   r.Address.String(),
			LocalName: r.LocalName(),
			RSSI:      r.RSSI,
			Seen:      time.Now(),
		})
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan: %w", err)
	}
	return nil
}

// Close stops the connection watch and signals every open link. The host
// adapter stays powered.
func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.presence.stop()
	a.links.closeAll()
	return nil
}

type link struct {
	address string
	device  bluetooth.Device
	state   *linkState
	tracker *linkTracker
	bufSize int

	closeOnce sync.Once
	closeErr  error
}

func (l *link) Disconnected() <-chan struct{} { return l.state.done }

func (l *link) Resolve(ctx context.Context, uuids []string) (map[string]session.Characteristic, error) {
	wanted := make(map[string]bool, len(uuids))
	for _, u := range uuids {
		wanted[strings.ToLower(u)] = true
	}

	services, err := call(ctx, "discover services", func() ([]bluetooth.DeviceService, error) {
		return l.device.DiscoverServices(nil)
	})
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	out := make(map[string]session.Characteristic, len(uuids))
	for _, svc := range services {
		chars, err := call(ctx, "discover characteristics", func() ([]bluetooth.DeviceCharacteristic, error) {
			return svc.DiscoverCharacteristics(nil)
		})
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID().String(), err)
		}
		for _, c := range chars {
			id := strings.ToLower(c.UUID().String())
			if wanted[id] {
				out[id] = &characteristic{link: l, char: c}
			}
		}
	}
	return out, nil
}

func (l *link) Close() error {
	l.closeOnce.Do(func() {
		l.tracker.release(l.address, l.state)
		l.closeErr = l.device.Disconnect()
	})
	return l.closeErr
}

type characteristic struct {
	link *link
	char bluetooth.DeviceCharacteristic
}

func (c *characteristic) connected() error {
	select {
	case <-c.link.state.done:
		return ErrNotConnected
	default:
		return nil
	}
}

func (c *characteristic) Read(ctx context.Context) ([]byte, error) {
	if err := c.connected(); err != nil {
		return nil, err
	}
	return call(ctx, "read", func() ([]byte, error) {
		buf := make([]byte, c.link.bufSize)
		n, err := c.char.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	})
}

func (c *characteristic) Write(ctx context.Context, data []byte) error {
	if err := c.connected(); err != nil {
		return err
	}
	_, err := call(ctx, "write", func() (int, error) {
		return c.char.Write(data)
	})
	return err
}

func (c *characteristic) Subscribe(ctx context.Context, onNotify func([]byte)) error {
	if err := c.connected(); err != nil {
		return err
	}
	_, err := call(ctx, "enable notifications", func() (struct{}, error) {
		return struct{}{}, c.char.EnableNotifications(onNotify)
	})
	return err
}
