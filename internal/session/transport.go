package session

import "context"

// Transport opens BLE links to peripherals.
type Transport interface {
	// Connect establishes a link to the peripheral at address.
	Connect(ctx context.Context, address string) (Link, error)
}

// Link is an established connection to one peripheral.
type Link interface {
	// Resolve discovers the given characteristic UUIDs. UUIDs the
	// peripheral does not expose are absent from the result; that is
	// not an error.
	Resolve(ctx context.Context, uuids []string) (map[string]Characteristic, error)

	// Disconnected is closed when the peripheral drops the link.
	Disconnected() <-chan struct{}

	// Close tears the link down. Safe to call more than once.
	Close() error
}

// Characteristic is a resolved GATT characteristic.
type Characteristic interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error

	// Subscribe enables notifications. onNotify may be called from any
	// goroutine and must not retain the slice.
	Subscribe(ctx context.Context, onNotify func([]byte)) error
}

// Sink receives values and delivery failures from a session. Both methods
// must not block.
type Sink interface {
	Emit(ev ValueEvent)
	Report(f DeliveryFailure)
}

// Acker is implemented by sinks that want to know when a write command
// completes. Reads complete with an emitted ValueEvent and failures with a
// DeliveryFailure.
type Acker interface {
	Ack(cmd CommandRequest)
}

// Logger is the logging interface used by sessions.
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

type noopSink struct{}

func (noopSink) Emit(ValueEvent)        {}
func (noopSink) Report(DeliveryFailure) {}
