package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// Payload formats for published values.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatCBOR = "cbor"
)

// Pipeline defaults.
const (
	DefaultBufferSize      = 64
	DefaultBatchRetryDelay = 10 * time.Second
	DefaultBatchTimeout    = 2 * time.Minute
	DefaultBreakerFailures = 5
	DefaultBreakerTimeout  = 30 * time.Second
	DefaultReadyPoll       = 250 * time.Millisecond

	sideEffectTimeout = 2 * time.Second
)

// Publisher is the MQTT side of the pipeline.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// Router delivers commands to device sessions.
type Router interface {
	RouteCommand(deviceID string, cmd session.CommandRequest) error
}

// HistoryRecorder persists published values.
type HistoryRecorder interface {
	RecordValue(ctx context.Context, ev session.ValueEvent) error
}

// TelemetryWriter forwards published values to a time-series store.
type TelemetryWriter interface {
	WriteValue(deviceID, characteristic string, value any, ts time.Time)
}

// Logger defines the logging interface for the pipeline.
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

// Characteristic is one device characteristic as seen by the relay.
type Characteristic struct {
	Name     string
	UUID     string
	Topic    string
	Writable bool
	Codec    codec.Codec
}

// Device lists the characteristics of one device.
type Device struct {
	ID              string
	Characteristics []Characteristic
}

// Config holds pipeline settings.
type Config struct {
	Topics mqtt.Topics
	QoS    byte
	Retain bool
	Format string

	// BufferSize is the per-device lane capacity. On overflow the oldest
	// item is dropped.
	BufferSize int

	// CommandRate is commands per second allowed per device; 0 disables
	// limiting. CommandBurst is the bucket size.
	CommandRate  float64
	CommandBurst int

	BatchRetryDelay time.Duration
	BatchTimeout    time.Duration

	// BreakerFailures consecutive publish failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration

	// ReadyPoll is how often a waiting lane rechecks the MQTT connection.
	ReadyPoll time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithHistory records every published value.
func WithHistory(h HistoryRecorder) Option {
	return func(p *Pipeline) { p.history = h }
}

// WithTelemetry writes every published numeric or boolean value.
func WithTelemetry(w TelemetryWriter) Option {
	return func(p *Pipeline) { p.telemetry = w }
}

// binding is a characteristic keyed for lookup.
type binding struct {
	deviceID string
	Characteristic
}

// Pipeline relays device values to MQTT and MQTT commands to devices.
type Pipeline struct {
	cfg       Config
	pub       Publisher
	router    Router
	logger    Logger
	history   HistoryRecorder
	telemetry TelemetryWriter
	breaker   *gobreaker.CircuitBreaker[struct{}]

	// Immutable after New.
	lanes     map[string]*lane
	byName    map[string]map[string]binding
	byUUID    map[string]map[string]binding
	commandTo map[string]binding

	limiters map[string]*rate.Limiter
	batches  *batchTracker

	unknownTopics atomic.Int64

	mu       sync.Mutex
	started  bool
	stopped  atomic.Bool
	stopCh   chan struct{}
	drainBy  time.Time
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

// New builds the topic map and a lane per device.
func New(cfg Config, pub Publisher, router Router, devices []Device, opts ...Option) (*Pipeline, error) {
	if pub == nil {
		return nil, fmt.Errorf("relay: publisher is required")
	}
	if router == nil {
		return nil, fmt.Errorf("relay: router is required")
	}
	if cfg.Topics.Prefix() == "" {
		return nil, fmt.Errorf("relay: topic prefix is required")
	}
	applyDefaults(&cfg)

	switch cfg.Format {
	case FormatText, FormatJSON, FormatCBOR:
	default:
		return nil, fmt.Errorf("relay: unknown payload format %q", cfg.Format)
	}

	p := &Pipeline{
		cfg:       cfg,
		pub:       pub,
		router:    router,
		logger:    noopLogger{},
		lanes:     make(map[string]*lane, len(devices)),
		byName:    make(map[string]map[string]binding, len(devices)),
		byUUID:    make(map[string]map[string]binding, len(devices)),
		commandTo: make(map[string]binding),
		limiters:  make(map[string]*rate.Limiter, len(devices)),
		stopCh:    make(chan struct{}),
		timers:    make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.batches = newBatchTracker(p)

	limit := rate.Inf
	if cfg.CommandRate > 0 {
		limit = rate.Limit(cfg.CommandRate)
	}

	for _, d := range devices {
		if _, dup := p.lanes[d.ID]; dup {
			return nil, fmt.Errorf("relay: duplicate device %q", d.ID)
		}
		p.lanes[d.ID] = newLane(d.ID, cfg.BufferSize)
		p.limiters[d.ID] = rate.NewLimiter(limit, cfg.CommandBurst)
		p.byName[d.ID] = make(map[string]binding, len(d.Characteristics))
		p.byUUID[d.ID] = make(map[string]binding, len(d.Characteristics))

		topics := make(map[string]string, len(d.Characteristics))
		for _, c := range d.Characteristics {
			if c.Topic == "" {
				c.Topic = c.Name
			}
			if mqtt.ReservedSuffix(c.Topic) {
				return nil, fmt.Errorf("relay: device %q: characteristic %q: topic %q is reserved",
					d.ID, c.Name, c.Topic)
			}
			if other, dup := topics[c.Topic]; dup {
				return nil, fmt.Errorf("relay: device %q: characteristics %q and %q share topic %q",
					d.ID, other, c.Name, c.Topic)
			}
			topics[c.Topic] = c.Name

			b := binding{deviceID: d.ID, Characteristic: c}
			p.byName[d.ID][c.Name] = b
			if c.UUID != "" {
				p.byUUID[d.ID][c.UUID] = b
			}
			if c.Writable {
				p.commandTo[cfg.Topics.Command(d.ID, c.Topic)] = b
			}
		}
	}

	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "mqtt-publish",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return p, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Format == "" {
		cfg.Format = FormatText
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.CommandBurst <= 0 {
		cfg.CommandBurst = 1
	}
	if cfg.BatchRetryDelay <= 0 {
		cfg.BatchRetryDelay = DefaultBatchRetryDelay
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = DefaultBatchTimeout
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultBreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = DefaultBreakerTimeout
	}
	if cfg.ReadyPoll <= 0 {
		cfg.ReadyPoll = DefaultReadyPoll
	}
}

// CommandTopics returns every command topic the pipeline answers.
func (p *Pipeline) CommandTopics() []string {
	out := make([]string, 0, len(p.commandTo))
	for t := range p.commandTo {
		out = append(out, t)
	}
	return out
}

// Start launches one publishing goroutine per device lane. Items emitted
// before Start stay buffered.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}
	if p.stopped.Load() {
		return ErrStopped
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for _, l := range p.lanes {
		p.wg.Add(1)
		go p.runLane(runCtx, l)
	}

	p.logger.Info("relay pipeline started",
		"devices", len(p.lanes),
		"command_topics", len(p.commandTo),
		"format", p.cfg.Format,
	)
	return nil
}

// Stop rejects further inbound commands, drains every lane within grace
// and returns. Items still queued when grace expires are dropped.
func (p *Pipeline) Stop(grace time.Duration) error {
	p.mu.Lock()
	if p.stopped.Swap(true) {
		p.mu.Unlock()
		return nil
	}
	started := p.started
	cancel := p.cancel
	p.drainBy = time.Now().Add(grace)
	close(p.stopCh)
	p.mu.Unlock()

	p.stopTimers()
	p.batches.stop()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(grace):
		err = fmt.Errorf("relay: lanes not drained within %s", grace)
	}
	cancel()

	p.logger.Info("relay pipeline stopped")
	return err
}

// afterFunc schedules fn unless the pipeline is stopping.
func (p *Pipeline) afterFunc(d time.Duration, fn func()) {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	if p.stopped.Load() {
		return
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		p.timersMu.Lock()
		delete(p.timers, t)
		p.timersMu.Unlock()
		if !p.stopped.Load() {
			fn()
		}
	})
	p.timers[t] = struct{}{}
}

func (p *Pipeline) stopTimers() {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	for t := range p.timers {
		t.Stop()
	}
	p.timers = make(map[*time.Timer]struct{})
}

// ready reports whether publishing can proceed.
func (p *Pipeline) ready() bool {
	return p.pub.IsConnected() && p.breaker.State() != gobreaker.StateOpen
}

// waitReady blocks until publishing can proceed or ctx ends. Once the
// pipeline is stopping the wait is bounded by the drain deadline.
func (p *Pipeline) waitReady(ctx context.Context) bool {
	stop := p.stopCh
	var deadline time.Time
	for !p.ready() {
		wait := p.cfg.ReadyPoll
		if stop == nil {
			left := time.Until(deadline)
			if left <= 0 {
				return false
			}
			wait = min(wait, left)
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-stop:
			t.Stop()
			stop = nil
			deadline = p.drainDeadline()
		case <-t.C:
		}
	}
	return true
}

func (p *Pipeline) drainDeadline() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.drainBy
}

// runLane publishes a lane's items in order. After Stop it drains what is
// left and exits.
func (p *Pipeline) runLane(ctx context.Context, l *lane) {
	defer p.wg.Done()

	for {
		var it item
		select {
		case <-ctx.Done():
			return
		case it = <-l.ch:
		case <-p.stopCh:
			select {
			case it = <-l.ch:
			default:
				return
			}
		}

		if !p.waitReady(ctx) {
			l.stats.dropped.Add(1 + int64(len(l.ch)))
			return
		}
		p.deliver(l, it)
	}
}

// publish sends one message through the circuit breaker.
func (p *Pipeline) publish(topic string, payload []byte, retained bool) error {
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.pub.Publish(topic, payload, p.cfg.QoS, retained)
	})
	return err
}

// lookup returns the binding for a characteristic name.
func (p *Pipeline) lookup(deviceID, name string) (binding, bool) {
	b, ok := p.byName[deviceID][name]
	return b, ok
}

// topicFor returns the topic suffix for a characteristic, falling back to
// its name.
func (p *Pipeline) topicFor(deviceID, name string) string {
	if b, ok := p.lookup(deviceID, name); ok {
		return b.Topic
	}
	return name
}

// enqueue pushes an item onto its device lane without blocking.
func (p *Pipeline) enqueue(deviceID string, it item) {
	l, ok := p.lanes[deviceID]
	if !ok {
		p.logger.Warn("dropping item for unknown device", "device_id", deviceID)
		return
	}
	if l.push(it) {
		p.logger.Debug("lane full, dropped oldest item", "device_id", deviceID)
	}
}

// Emit queues a value for publishing. It never blocks.
func (p *Pipeline) Emit(ev session.ValueEvent) {
	if ev.BatchID != "" {
		p.batches.onValue(ev)
		return
	}
	p.enqueue(ev.DeviceID, item{kind: itemValue, event: ev})
}

// Report queues a delivery failure for publishing. It never blocks.
func (p *Pipeline) Report(f session.DeliveryFailure) {
	if l, ok := p.lanes[f.DeviceID]; ok {
		l.stats.deliveryFailures.Add(1)
	}
	if f.BatchID != "" {
		p.batches.onFailure(f)
	}
	p.enqueue(f.DeviceID, item{kind: itemFailure, failure: f})
}

// Ack records a completed write command.
func (p *Pipeline) Ack(cmd session.CommandRequest) {
	if cmd.BatchID != "" {
		p.batches.onAck(cmd)
	}
}
