package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/relay"
	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// DefaultHealthInterval is used when no interval is configured.
const DefaultHealthInterval = 30 * time.Second

// HealthPublisher is the interface for publishing health messages.
// This is typically implemented by an MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// healthSource supplies the figures a health message reports.
type healthSource interface {
	Devices() []DeviceStatus
	RelayStats() relay.Stats
	UnknownTopics() int64
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID  string
	Version   string
	Topic     string
	QoS       byte
	Interval  time.Duration
	Publisher HealthPublisher
	Source    healthSource
}

// HealthReporter publishes retained bridge health at a fixed interval.
type HealthReporter struct {
	bridgeID  string
	version   string
	topic     string
	qos       byte
	startTime time.Time
	interval  time.Duration
	publisher HealthPublisher
	source    healthSource
	now       func() time.Time

	// lastPublishFailures is the relay failure count at the previous
	// report; an increase marks the bridge degraded.
	mu                  sync.Mutex
	lastPublishFailures int64

	kick     chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter creates a new health reporter. Call Start to begin
// reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthReporter{
		bridgeID:  cfg.BridgeID,
		version:   cfg.Version,
		topic:     cfg.Topic,
		qos:       cfg.QoS,
		startTime: time.Now(),
		interval:  interval,
		publisher: cfg.Publisher,
		source:    cfg.Source,
		now:       time.Now,
		kick:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start begins periodic health reporting.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // Best-effort during shutdown
		h.publishStatus(HealthStopping, "bridge stopping")
	})
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publishStatus(HealthStarting, "bridge starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.evaluate(true))
}

// Kick asks the report loop to publish now. It never blocks, so it is safe
// to call from session state hooks.
func (h *HealthReporter) Kick() {
	select {
	case h.kick <- struct{}{}:
	default:
	}
}

// Snapshot evaluates current health without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	return h.evaluate(false)
}

func (h *HealthReporter) evaluate(advance bool) HealthMessage {
	msg := h.build(HealthHealthy, "")
	msg.Status, msg.Reason = h.determineStatus(msg, advance)
	return msg
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		case <-h.kick:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

// determineStatus evaluates msg. With advance set the publish-failure
// baseline moves forward, so each failure degrades one published report.
func (h *HealthReporter) determineStatus(msg HealthMessage, advance bool) (HealthStatus, string) {
	h.mu.Lock()
	newFailures := msg.Relay.PublishFailures - h.lastPublishFailures
	if advance {
		h.lastPublishFailures = msg.Relay.PublishFailures
	}
	h.mu.Unlock()

	if !msg.MQTTConnected {
		return HealthDegraded, "MQTT disconnected"
	}
	if msg.DevicesAbandoned > 0 {
		return HealthDegraded, fmt.Sprintf("%d device(s) abandoned", msg.DevicesAbandoned)
	}
	if down := msg.DevicesTotal - msg.DevicesActive; down > 0 {
		return HealthDegraded, fmt.Sprintf("%d device(s) not connected", down)
	}
	if newFailures > 0 {
		return HealthDegraded, fmt.Sprintf("%d publish failure(s) since last report", newFailures)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) build(status HealthStatus, reason string) HealthMessage {
	now := h.now()
	msg := HealthMessage{
		BridgeID:      h.bridgeID,
		Status:        status,
		Reason:        reason,
		Version:       h.version,
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		MQTTConnected: h.publisher != nil && h.publisher.IsConnected(),
		Devices:       []DeviceHealth{},
	}
	if h.source == nil {
		return msg
	}

	for _, d := range h.source.Devices() {
		msg.DevicesTotal++
		switch {
		case d.Abandoned:
			msg.DevicesAbandoned++
		case d.State == session.StateActive:
			msg.DevicesActive++
		}
		msg.Devices = append(msg.Devices, DeviceHealth{
			ID:         d.ID,
			State:      d.State.String(),
			Abandoned:  d.Abandoned,
			LastError:  d.LastError,
			RetryCount: d.RetryCount,
			Restarts:   d.Restarts,
		})
	}
	msg.Relay = h.source.RelayStats()
	msg.UnknownTopics = h.source.UnknownTopics()
	return msg
}

func (h *HealthReporter) publishStatus(status HealthStatus, reason string) error {
	return h.publish(h.build(status, reason))
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.publisher == nil {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return h.publisher.Publish(h.topic, payload, h.qos, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}
