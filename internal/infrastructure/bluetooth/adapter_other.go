//go:build !linux

package bluetooth

import (
	"context"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// Adapter is unavailable on this platform.
type Adapter struct{}

// Open always fails on this platform.
func Open(Config) (*Adapter, error) {
	return nil, ErrUnsupportedPlatform
}

// SetLogger is a no-op.
func (a *Adapter) SetLogger(Logger) {}

// Connect always fails on this platform.
func (a *Adapter) Connect(context.Context, string) (session.Link, error) {
	return nil, ErrUnsupportedPlatform
}

// Scan always fails on this platform.
func (a *Adapter) Scan(context.Context, time.Duration, func(Advertisement)) error {
	return ErrUnsupportedPlatform
}

// Close is a no-op.
func (a *Adapter) Close() error { return nil }
