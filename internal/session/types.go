package session

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
)

// Direction is how a characteristic binding is used.
type Direction string

// Binding directions.
const (
	DirectionNotify Direction = "notify"
	DirectionRead   Direction = "read"
	DirectionWrite  Direction = "write"
)

// Value sources recorded on ValueEvent.
const (
	SourceNotify  = "notify"
	SourcePoll    = "poll"
	SourceCommand = "command"
)

// Command operations.
const (
	OpWrite = "write"
	OpRead  = "read"
)

// Binding links a named characteristic to its GATT UUID and codec.
type Binding struct {
	Name      string
	UUID      string
	Direction Direction
	Codec     codec.Codec
	// Schedule drives polling for read bindings. Nil disables polling.
	Schedule cron.Schedule
	Required bool
}

// Timeouts bound each transport call.
type Timeouts struct {
	Connect   time.Duration
	Discover  time.Duration
	Subscribe time.Duration
	Read      time.Duration
	Write     time.Duration
}

// Config describes one device session.
type Config struct {
	DeviceID string
	Address  string
	Bindings []Binding
	Backoff  BackoffConfig

	// MaxRetries abandons the session after this many consecutive
	// failures. Zero retries forever.
	MaxRetries int

	Timeouts      Timeouts
	CommandBuffer int
	NotifyBuffer  int

	// CommandTTL fails queued commands older than this. Zero disables.
	CommandTTL time.Duration
}

// ValueEvent is a decoded characteristic value.
type ValueEvent struct {
	DeviceID       string
	Address        string
	Characteristic string
	UUID           string
	Value          codec.Value
	Raw            []byte
	Timestamp      time.Time
	Source         string

	// Set when the value answers a command.
	CommandID string
	BatchID   string
}

// CommandRequest asks a session to write or read a characteristic.
type CommandRequest struct {
	ID             string
	DeviceID       string
	Characteristic string
	Op             string
	Data           []byte
	IgnoreError    bool
	BatchID        string
	Issued         time.Time
}

// DeliveryFailure reports a command that could not be carried out.
type DeliveryFailure struct {
	DeviceID       string
	Characteristic string
	CommandID      string
	BatchID        string
	Attempts       int
	Err            error
	Timestamp      time.Time
}

// Stats counts session activity.
type Stats struct {
	Notifications int64 `json:"notifications"`
	Reads         int64 `json:"reads"`
	ReadFailures  int64 `json:"read_failures"`
	DecodeErrors  int64 `json:"decode_errors"`
	Writes        int64 `json:"writes"`
	WriteFailures int64 `json:"write_failures"`
	Connects      int64 `json:"connects"`
}

// Status is a point-in-time snapshot of a session.
type Status struct {
	DeviceID   string                 `json:"device_id"`
	Address    string                 `json:"address"`
	State      State                  `json:"state"`
	RetryCount int                    `json:"retry_count"`
	NextRetry  time.Time              `json:"next_retry,omitzero"`
	LastError  string                 `json:"last_error,omitempty"`
	LastValues map[string]codec.Value `json:"last_values,omitempty"`
	Stats      Stats                  `json:"stats"`
	Since      time.Time              `json:"since"`
}
