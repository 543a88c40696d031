package ble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/ble-mqtt-bridge/internal/registry"
	"github.com/nerrad567/ble-mqtt-bridge/internal/relay"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// pruneSchedule is how often value history is trimmed.
const pruneSchedule = "@hourly"

// pruneTimeout bounds one history prune.
const pruneTimeout = time.Minute

// Logger defines the logging interface used by the health reporter and
// scanner.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// HistoryStore persists published values.
type HistoryStore interface {
	RecordValue(ctx context.Context, ev session.ValueEvent) error
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// BridgeOptions holds configuration for creating a bridge.
type BridgeOptions struct {
	// Config is the loaded bridge device file.
	Config *Config

	// MQTTClient publishes values and receives commands.
	MQTTClient MQTTClient

	// Topics is the topic layout; its prefix must match the client's.
	Topics mqtt.Topics

	// QoS is used for every publish and subscription.
	QoS byte

	// Transport opens BLE links.
	Transport session.Transport

	// Logger is the structured logger.
	Logger *logging.Logger

	// Timeouts bound each BLE call. Zero fields use session defaults.
	Timeouts session.Timeouts

	// Version is reported in health messages.
	Version string

	// Scanner is optional. Without it scan commands report an error.
	Scanner Scanner

	// Codecs is optional; nil uses the built-in registry.
	Codecs *codec.Registry

	// History is optional value persistence.
	History HistoryStore

	// HistoryRetention bounds history age; 0 disables pruning.
	HistoryRetention time.Duration

	// Telemetry is optional time-series output.
	Telemetry relay.TelemetryWriter
}

// Bridge wires device sessions, the session registry and the relay
// pipeline to MQTT, and reports bridge health.
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	cfg      *Config
	mqtt     MQTTClient
	topics   mqtt.Topics
	qos      byte
	logger   *logging.Logger
	registry *registry.Registry
	pipeline *relay.Pipeline
	health   *HealthReporter
	scan     *scanRunner
	history  HistoryStore
	retain   time.Duration

	subscriptions []string

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	pruner   *cron.Cron
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewBridge validates its dependencies and builds a session per device.
// Devices with configuration errors are registered as abandoned; the rest
// of the bridge is unaffected.
func NewBridge(opts BridgeOptions) (*Bridge, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("%w: config is required", ErrConfig)
	}
	if opts.MQTTClient == nil {
		return nil, fmt.Errorf("%w: MQTT client is required", ErrConfig)
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("%w: BLE transport is required", ErrConfig)
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ErrConfig)
	}
	if opts.Topics.Prefix() == "" {
		return nil, fmt.Errorf("%w: topic prefix is required", ErrConfig)
	}
	codecs := opts.Codecs
	if codecs == nil {
		codecs = codec.NewRegistry()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	cfg := opts.Config
	logger := opts.Logger.With("component", "ble-bridge")

	b := &Bridge{
		cfg:     cfg,
		mqtt:    opts.MQTTClient,
		topics:  opts.Topics,
		qos:     opts.QoS,
		logger:  logger,
		history: opts.History,
		retain:  opts.HistoryRetention,
	}

	b.registry = registry.New(registry.Config{
		MaxRestarts:  cfg.Bridge.MaxRestarts,
		RestartDelay: cfg.Bridge.RestartDelay,
	})
	b.registry.SetLogger(opts.Logger.With("component", "registry"))

	type built struct {
		setup deviceSetup
		dev   DeviceConfig
	}
	var valid []built
	var devices []relay.Device
	for _, d := range cfg.Devices {
		setup, err := cfg.resolveDevice(d, codecs)
		if err != nil {
			logger.Error("device configuration rejected, abandoning device",
				"device_id", d.Identity(),
				"error", err,
			)
			if addErr := b.registry.AddAbandoned(d.Identity(), d.Address, err); addErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfig, addErr)
			}
			continue
		}
		valid = append(valid, built{setup: setup, dev: d})
		devices = append(devices, setup.relay)
	}

	pipeOpts := []relay.Option{relay.WithLogger(opts.Logger.With("component", "relay"))}
	if opts.History != nil {
		pipeOpts = append(pipeOpts, relay.WithHistory(opts.History))
	}
	if opts.Telemetry != nil {
		pipeOpts = append(pipeOpts, relay.WithTelemetry(opts.Telemetry))
	}
	pipeline, err := relay.New(relay.Config{
		Topics:          opts.Topics,
		QoS:             opts.QoS,
		Retain:          cfg.Relay.Retain,
		Format:          cfg.Relay.Format,
		BufferSize:      cfg.Relay.BufferSize,
		CommandRate:     cfg.Relay.CommandRate,
		CommandBurst:    cfg.Relay.CommandBurst,
		BatchRetryDelay: cfg.Relay.BatchRetryDelay,
	}, opts.MQTTClient, b.registry, devices, pipeOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	b.pipeline = pipeline

	b.health = NewHealthReporter(HealthReporterConfig{
		BridgeID:  cfg.Bridge.ID,
		Version:   version,
		Topic:     opts.Topics.BridgeHealth(),
		QoS:       opts.QoS,
		Interval:  cfg.Bridge.HealthInterval,
		Publisher: opts.MQTTClient,
		Source:    b,
	})
	b.health.SetLogger(logger)

	for _, v := range valid {
		sc := v.setup.session
		sc.Timeouts = opts.Timeouts
		sess, err := session.New(sc, opts.Transport,
			session.WithSink(pipeline),
			session.WithLogger(opts.Logger.With("component", "session", "device_id", sc.DeviceID)),
			session.WithStateHook(b.onStateChange),
		)
		if err != nil {
			logger.Error("device session rejected, abandoning device",
				"device_id", sc.DeviceID,
				"error", err,
			)
			if addErr := b.registry.AddAbandoned(sc.DeviceID, sc.Address, err); addErr != nil {
				return nil, fmt.Errorf("%w: %w", ErrConfig, addErr)
			}
			continue
		}
		if err := b.registry.Add(sess); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}

	if opts.Scanner != nil {
		b.scan = newScanRunner(opts.Scanner, opts.MQTTClient, opts.Topics, opts.QoS, cfg.Scan,
			opts.Logger.With("component", "scanner"))
	}

	return b, nil
}

// Start subscribes to command topics and starts sessions, relay lanes,
// health reporting, scanning and history pruning.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return fmt.Errorf("ble: bridge already started")
	}
	b.started = true

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	if err := b.health.PublishStarting(); err != nil {
		b.logger.Warn("failed to publish starting status", "error", err)
	}

	if err := b.pipeline.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting relay: %w", err)
	}
	if err := b.registry.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("starting sessions: %w", err)
	}

	subs := []struct {
		topic   string
		handler mqtt.MessageHandler
	}{
		{b.topics.CommandPattern(), b.pipeline.HandleCommand},
		{b.topics.BatchPattern(), b.handleCommands},
	}
	for _, sub := range subs {
		if err := b.mqtt.Subscribe(sub.topic, b.qos, sub.handler); err != nil {
			cancel()
			return fmt.Errorf("subscribe to %s: %w", sub.topic, err)
		}
		b.subscriptions = append(b.subscriptions, sub.topic)
		b.logger.Info("subscribed", "topic", sub.topic)
	}

	b.health.Start(ctx)

	if b.scan != nil {
		b.scan.start(ctx)
	}

	if b.history != nil && b.retain > 0 {
		if err := b.startPruner(ctx); err != nil {
			cancel()
			return err
		}
	}

	b.logger.Info("bridge started",
		"bridge_id", b.cfg.Bridge.ID,
		"devices", b.registry.Len(),
	)
	return nil
}

// Stop shuts the bridge down: command subscriptions, health ("stopping"),
// scanner, sessions, relay drain, then pruning. It runs once; later calls
// return the first result.
func (b *Bridge) Stop() error {
	b.stopOnce.Do(func() {
		b.stopped.Store(true)

		b.mu.Lock()
		started := b.started
		cancel := b.cancel
		pruner := b.pruner
		b.mu.Unlock()
		if !started {
			return
		}

		grace := b.cfg.Bridge.ShutdownGrace
		var errs []error

		for _, topic := range b.subscriptions {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logger.Debug("unsubscribe failed", "topic", topic, "error", err)
			}
		}

		b.health.Stop()

		// Sessions and the scanner observe this context; the pipeline
		// drains on its own deadline.
		cancel()
		if b.scan != nil {
			b.scan.wait()
		}

		if err := b.registry.Stop(grace); err != nil {
			errs = append(errs, err)
		}
		if err := b.pipeline.Stop(grace); err != nil {
			errs = append(errs, err)
		}
		if pruner != nil {
			<-pruner.Stop().Done()
		}

		b.stopErr = errors.Join(errs...)
		b.logger.Info("bridge stopped", "error", b.stopErr)
	})
	return b.stopErr
}

// handleCommands dispatches <prefix>/+/commands: the scan topic goes to
// the scanner, everything else is a device batch.
func (b *Bridge) handleCommands(topic string, payload []byte) error {
	if topic == b.topics.ScanCommand() {
		if b.scan == nil {
			b.publishScanError(ErrScanUnavailable)
			return nil
		}
		return b.scan.handleCommand(topic, payload)
	}
	return b.pipeline.HandleBatch(topic, payload)
}

func (b *Bridge) publishScanError(err error) {
	if perr := b.mqtt.Publish(b.topics.ScanError(), []byte(err.Error()), b.qos, false); perr != nil {
		b.logger.Warn("failed to publish scan error", "error", perr)
	}
}

// onStateChange logs session transitions and refreshes health when a
// device comes up or is abandoned.
func (b *Bridge) onStateChange(deviceID string, from, to session.State) {
	if from == to {
		return
	}
	b.logger.Debug("session state changed",
		"device_id", deviceID,
		"from", from.String(),
		"to", to.String(),
	)
	if b.stopped.Load() {
		return
	}
	switch to {
	case session.StateAbandoned:
		b.logger.Error("device abandoned", "device_id", deviceID)
		b.health.Kick()
	case session.StateActive:
		b.logger.Info("device active", "device_id", deviceID)
		b.health.Kick()
	}
}

func (b *Bridge) startPruner(ctx context.Context) error {
	b.pruner = cron.New()
	if _, err := b.pruner.AddFunc(pruneSchedule, func() { b.pruneHistory(ctx) }); err != nil {
		return fmt.Errorf("scheduling history prune: %w", err)
	}
	b.pruner.Start()
	go b.pruneHistory(ctx)
	return nil
}

func (b *Bridge) pruneHistory(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, pruneTimeout)
	defer cancel()

	before := time.Now().Add(-b.retain)
	n, err := b.history.Prune(ctx, before)
	if err != nil {
		b.logger.Warn("history prune failed", "error", err)
		return
	}
	if n > 0 {
		b.logger.Info("pruned value history", "rows", n, "before", before)
	}
}

// Devices returns every configured device, sorted by ID.
func (b *Bridge) Devices() []DeviceStatus {
	list := b.registry.ListDevices()
	out := make([]DeviceStatus, 0, len(list))
	for _, d := range list {
		out = append(out, b.join(d))
	}
	return out
}

// Device returns one device's status.
func (b *Bridge) Device(id string) (DeviceStatus, error) {
	d, err := b.registry.Device(id)
	if err != nil {
		return DeviceStatus{}, fmt.Errorf("%w: %q", ErrUnknownDevice, id)
	}
	return b.join(d), nil
}

func (b *Bridge) join(d registry.DeviceStatus) DeviceStatus {
	st := DeviceStatus{DeviceStatus: d}
	if rs, ok := b.pipeline.DeviceStats(d.ID); ok {
		st.Relay = rs
	}
	return st
}

// RelayStats returns relay counters summed over all devices.
func (b *Bridge) RelayStats() relay.Stats {
	return b.pipeline.TotalStats()
}

// UnknownTopics returns how many messages arrived on unmapped topics.
func (b *Bridge) UnknownTopics() int64 {
	return b.pipeline.UnknownTopics()
}

// Health evaluates bridge health without publishing it.
func (b *Bridge) Health() HealthMessage {
	return b.health.Snapshot()
}

// HealthCheck reports whether the bridge is running with MQTT connected.
func (b *Bridge) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started || b.stopped.Load() {
		return ErrNotStarted
	}
	if !b.mqtt.IsConnected() {
		return mqtt.ErrNotConnected
	}
	return nil
}
