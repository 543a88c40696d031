package ble

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/bluetooth"
	"github.com/nerrad567/ble-mqtt-bridge/internal/infrastructure/mqtt"
)

// maxScanDuration bounds scans requested over MQTT.
const maxScanDuration = 5 * time.Minute

// Scanner discovers advertising peripherals.
// Implemented by *bluetooth.Adapter.
type Scanner interface {
	Scan(ctx context.Context, duration time.Duration, onResult func(bluetooth.Advertisement)) error
}

// scanRunner serialises scans and publishes their results.
type scanRunner struct {
	scanner   Scanner
	publisher HealthPublisher
	topics    mqtt.Topics
	qos       byte
	cfg       ScanConfig
	logger    Logger

	// requests holds at most one pending scan; further requests coalesce.
	requests chan time.Duration
	wg       sync.WaitGroup
}

func newScanRunner(scanner Scanner, pub HealthPublisher, topics mqtt.Topics, qos byte, cfg ScanConfig, logger Logger) *scanRunner {
	return &scanRunner{
		scanner:   scanner,
		publisher: pub,
		topics:    topics,
		qos:       qos,
		cfg:       cfg,
		logger:    logger,
		requests:  make(chan time.Duration, 1),
	}
}

func (s *scanRunner) start(ctx context.Context) {
	if s.cfg.Initial {
		s.request(s.cfg.Duration)
	}
	s.wg.Add(1)
	go s.loop(ctx)
}

func (s *scanRunner) wait() {
	s.wg.Wait()
}

// request queues a scan. It reports false when one is already pending.
func (s *scanRunner) request(d time.Duration) bool {
	select {
	case s.requests <- d:
		return true
	default:
		return false
	}
}

func (s *scanRunner) loop(ctx context.Context) {
	defer s.wg.Done()

	var tick <-chan time.Time
	if s.cfg.Loop {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-s.requests:
			s.run(ctx, d)
		case <-tick:
			s.run(ctx, s.cfg.Duration)
		}
	}
}

func (s *scanRunner) run(ctx context.Context, d time.Duration) {
	s.logger.Info("starting scan", "duration", d)
	seen := 0
	err := s.scanner.Scan(ctx, d, func(adv bluetooth.Advertisement) {
		seen++
		s.publishAdvertisement(adv)
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Error("scan failed", "error", err)
		s.publishError(err)
		return
	}
	s.logger.Info("scan finished", "advertisements", seen)
}

func (s *scanRunner) publishAdvertisement(adv bluetooth.Advertisement) {
	rssi := []byte(strconv.Itoa(int(adv.RSSI)))
	if err := s.publisher.Publish(s.topics.RSSI(adv.Address), rssi, s.qos, false); err != nil {
		s.logger.Debug("failed to publish rssi", "address", adv.Address, "error", err)
		return
	}

	payload, err := json.Marshal(AdvertisementMessage{
		LocalName: adv.LocalName,
		RSSI:      adv.RSSI,
		Address:   adv.Address,
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(s.topics.Advertisement(adv.Address), payload, s.qos, false); err != nil {
		s.logger.Debug("failed to publish advertisement", "address", adv.Address, "error", err)
	}
}

func (s *scanRunner) publishError(err error) {
	if perr := s.publisher.Publish(s.topics.ScanError(), []byte(err.Error()), s.qos, false); perr != nil {
		s.logger.Warn("failed to publish scan error", "error", perr)
	}
}

// handleCommand handles <prefix>/scan/commands. The payload is the scan
// duration in seconds; an empty payload uses the configured duration.
func (s *scanRunner) handleCommand(_ string, payload []byte) error {
	d, err := parseScanDuration(payload, s.cfg.Duration)
	if err != nil {
		s.logger.Warn("rejecting scan command", "payload", string(payload), "error", err)
		s.publishError(err)
		return nil
	}
	if !s.request(d) {
		s.logger.Debug("scan already pending")
	}
	return nil
}

func parseScanDuration(payload []byte, fallback time.Duration) (time.Duration, error) {
	text := strings.TrimSpace(string(payload))
	if text == "" {
		return fallback, nil
	}
	secs, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("scan duration %q is not a number of seconds", text)
	}
	d := time.Duration(secs * float64(time.Second))
	if d <= 0 || d > maxScanDuration {
		return 0, fmt.Errorf("scan duration %q must be between 0 and %s", text, maxScanDuration)
	}
	return d, nil
}
