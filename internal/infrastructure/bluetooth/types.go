package bluetooth

import "time"

// Config selects the host adapter.
type Config struct {
	// AdapterID is the BlueZ adapter name, e.g. "hci0".
	AdapterID string

	// ReadBufferSize bounds a single characteristic read.
	ReadBufferSize int
}

// defaultReadBufferSize is the largest ATT attribute value.
const defaultReadBufferSize = 512

// Advertisement is one scan result.
type Advertisement struct {
	Address   string    `json:"address"`
	LocalName string    `json:"local_name,omitempty"`
	RSSI      int16     `json:"rssi"`
	Seen      time.Time `json:"-"`
}

// Logger defines the logging interface for the transport.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
