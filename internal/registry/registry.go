package registry

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// Supervisor defaults.
const (
	DefaultMaxRestarts  = 5
	DefaultRestartDelay = 5 * time.Second
)

// Session is the part of a device session the registry drives.
// *session.Session implements it.
type Session interface {
	DeviceID() string
	Address() string
	Run(ctx context.Context) error
	Submit(cmd session.CommandRequest) error
	Status() session.Status
	Abandon(reason error)
	Reset() error
}

// Logger defines the logging interface for the registry.
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

// Config holds supervisor settings.
type Config struct {
	// MaxRestarts limits restarts after unexpected session termination.
	// Once exceeded the device is abandoned. 0 means DefaultMaxRestarts;
	// negative disables restarts.
	MaxRestarts int

	// RestartDelay is the wait before restarting a terminated session.
	RestartDelay time.Duration
}

// DeviceStatus describes one configured device.
type DeviceStatus struct {
	ID         string         `json:"id"`
	Address    string         `json:"address"`
	State      session.State  `json:"state"`
	Abandoned  bool           `json:"abandoned"`
	LastError  string         `json:"last_error,omitempty"`
	RetryCount int            `json:"retry_count"`
	NextRetry  time.Time      `json:"next_retry,omitzero"`
	Restarts   int            `json:"restarts"`
	Since      time.Time      `json:"since,omitzero"`
	LastValues map[string]any `json:"last_values,omitempty"`
	Stats      session.Stats  `json:"stats"`
}

// entry is one registered device. sess is nil for devices rejected at
// configuration time.
type entry struct {
	id        string
	address   string
	sess      Session
	configErr error

	mu       sync.Mutex
	restarts int
}

// Registry owns every device session and supervises their goroutines.
type Registry struct {
	cfg    Config
	logger Logger

	mu      sync.RWMutex
	entries map[string]*entry
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.MaxRestarts == 0 {
		cfg.MaxRestarts = DefaultMaxRestarts
	}
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = DefaultRestartDelay
	}
	return &Registry{
		cfg:     cfg,
		logger:  noopLogger{},
		entries: make(map[string]*entry),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	if logger != nil {
		r.logger = logger
	}
}

// Add registers a session. It must be called before Start.
func (r *Registry) Add(s Session) error {
	return r.add(&entry{id: s.DeviceID(), address: s.Address(), sess: s})
}

// AddAbandoned registers a device whose configuration was rejected. It is
// reported as abandoned and never run.
func (r *Registry) AddAbandoned(id, address string, reason error) error {
	return r.add(&entry{id: id, address: address, configErr: reason})
}

func (r *Registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	if _, exists := r.entries[e.id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateDevice, e.id)
	}
	r.entries[e.id] = e
	return nil
}

// Start launches a supervised goroutine per runnable session.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	running := 0
	for _, e := range r.entries {
		if e.sess == nil {
			r.logger.Warn("device not started: configuration rejected",
				"device_id", e.id,
				"error", e.configErr,
			)
			continue
		}
		r.wg.Add(1)
		go r.supervise(runCtx, e)
		running++
	}

	r.logger.Info("session registry started",
		"devices", len(r.entries),
		"running", running,
	)
	return nil
}

// Stop cancels every session and waits up to grace for them to exit.
func (r *Registry) Stop(grace time.Duration) error {
	r.mu.Lock()
	cancel := r.cancel
	r.cancel = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("session registry stopped")
		return nil
	case <-time.After(grace):
		r.logger.Warn("sessions still running after grace period", "grace", grace)
		return fmt.Errorf("%w (%s)", ErrShutdownTimeout, grace)
	}
}

// supervise runs a session, restarting it after unexpected termination.
func (r *Registry) supervise(ctx context.Context, e *entry) {
	defer r.wg.Done()

	for {
		err := r.runOnce(ctx, e)

		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, session.ErrAbandoned) {
			r.logger.Warn("device abandoned",
				"device_id", e.id,
				"error", e.sess.Status().LastError,
			)
			return
		}

		if err == nil {
			err = errors.New("session exited without cancellation")
		}

		e.mu.Lock()
		e.restarts++
		attempt := e.restarts
		e.mu.Unlock()

		r.logger.Warn("session terminated unexpectedly",
			"device_id", e.id,
			"restart", attempt,
			"error", err,
		)

		if r.cfg.MaxRestarts < 0 || attempt > r.cfg.MaxRestarts {
			r.logger.Error("max session restarts reached",
				"device_id", e.id,
				"restarts", attempt,
			)
			e.sess.Abandon(fmt.Errorf("supervisor gave up after %d restarts: %w", attempt-1, err))
			return
		}

		timer := time.NewTimer(r.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := e.sess.Reset(); err != nil {
			return
		}
	}
}

// runOnce calls Run, converting a panic into an error.
func (r *Registry) runOnce(ctx context.Context, e *entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("session panic recovered",
				"device_id", e.id,
				"panic", rec,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("%w: %v", ErrSessionPanic, rec)
		}
	}()
	return e.sess.Run(ctx)
}

// RouteCommand submits cmd to the device's session.
func (r *Registry) RouteCommand(deviceID string, cmd session.CommandRequest) error {
	r.mu.RLock()
	e, ok := r.entries[deviceID]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	if e.sess == nil {
		return fmt.Errorf("%w: %s", ErrDeviceAbandoned, deviceID)
	}
	if cmd.DeviceID == "" {
		cmd.DeviceID = deviceID
	}

	err := e.sess.Submit(cmd)
	if err != nil && e.sess.Status().State == session.StateAbandoned {
		return fmt.Errorf("%w: %s", ErrDeviceAbandoned, deviceID)
	}
	return err
}

// ListDevices returns the status of every device sorted by ID.
func (r *Registry) ListDevices() []DeviceStatus {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].id < entries[j].id })

	out := make([]DeviceStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.status())
	}
	return out
}

// Device returns the status of one device.
func (r *Registry) Device(deviceID string) (DeviceStatus, error) {
	r.mu.RLock()
	e, ok := r.entries[deviceID]
	r.mu.RUnlock()

	if !ok {
		return DeviceStatus{}, fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	return e.status(), nil
}

// Has reports whether deviceID is registered.
func (r *Registry) Has(deviceID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[deviceID]
	return ok
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (e *entry) status() DeviceStatus {
	e.mu.Lock()
	restarts := e.restarts
	e.mu.Unlock()

	if e.sess == nil {
		ds := DeviceStatus{
			ID:        e.id,
			Address:   e.address,
			State:     session.StateAbandoned,
			Abandoned: true,
			Restarts:  restarts,
		}
		if e.configErr != nil {
			ds.LastError = e.configErr.Error()
		}
		return ds
	}

	st := e.sess.Status()
	values := make(map[string]any, len(st.LastValues))
	for k, v := range st.LastValues {
		values[k] = v
	}
	return DeviceStatus{
		ID:         e.id,
		Address:    e.address,
		State:      st.State,
		Abandoned:  st.State == session.StateAbandoned,
		LastError:  st.LastError,
		RetryCount: st.RetryCount,
		NextRetry:  st.NextRetry,
		Restarts:   restarts,
		Since:      st.Since,
		LastValues: values,
		Stats:      st.Stats,
	}
}
