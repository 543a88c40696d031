package relay

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// valueDoc is the json and cbor value payload.
type valueDoc struct {
	Value     any    `json:"value" cbor:"value"`
	Raw       string `json:"raw" cbor:"raw"`
	Timestamp string `json:"timestamp" cbor:"timestamp"`
}

// errorDoc is published on a characteristic's error topic.
type errorDoc struct {
	Characteristic string `json:"characteristic"`
	CommandID      string `json:"command_id,omitempty"`
	BatchID        string `json:"batch_id,omitempty"`
	Attempts       int    `json:"attempts"`
	Error          string `json:"error"`
	Timestamp      string `json:"timestamp"`
}

// deliver publishes one lane item. Failures are counted, never retried.
func (p *Pipeline) deliver(l *lane, it item) {
	switch it.kind {
	case itemValue:
		p.deliverValue(l, it.event)
	case itemFailure:
		p.deliverFailure(l, it.failure)
	case itemData:
		p.deliverRaw(l, it.topic, it.payload, true)
	}
}

func (p *Pipeline) deliverValue(l *lane, ev session.ValueEvent) {
	if ev.Value == nil {
		p.logger.Debug("skipping value without decoded form",
			"device_id", ev.DeviceID,
			"characteristic", ev.Characteristic,
		)
		return
	}

	payload, err := p.encodeValue(ev)
	if err != nil {
		l.stats.formatErrors.Add(1)
		p.logger.Warn("formatting value",
			"device_id", ev.DeviceID,
			"characteristic", ev.Characteristic,
			"error", err,
		)
		return
	}

	topic := p.cfg.Topics.Value(ev.DeviceID, p.topicFor(ev.DeviceID, ev.Characteristic))
	if !p.deliverRaw(l, topic, payload, p.cfg.Retain) {
		return
	}

	p.recordSideEffects(l, ev)
}

func (p *Pipeline) deliverFailure(l *lane, f session.DeliveryFailure) {
	name := f.Characteristic
	if name == "" {
		name = "commands"
	}
	doc := errorDoc{
		Characteristic: f.Characteristic,
		CommandID:      f.CommandID,
		BatchID:        f.BatchID,
		Attempts:       f.Attempts,
		Timestamp:      f.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	if f.Err != nil {
		doc.Error = f.Err.Error()
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		l.stats.formatErrors.Add(1)
		return
	}
	p.deliverRaw(l, p.cfg.Topics.Error(f.DeviceID, p.topicFor(f.DeviceID, name)), payload, false)
}

// deliverRaw publishes payload and updates counters. It reports success.
func (p *Pipeline) deliverRaw(l *lane, topic string, payload []byte, retained bool) bool {
	if err := p.publish(topic, payload, retained); err != nil {
		l.stats.publishFailures.Add(1)
		p.logger.Warn("publishing to MQTT",
			"device_id", l.deviceID,
			"topic", topic,
			"error", err,
		)
		return false
	}
	l.stats.published.Add(1)
	return true
}

// encodeValue renders a value in the configured payload format.
func (p *Pipeline) encodeValue(ev session.ValueEvent) ([]byte, error) {
	switch p.cfg.Format {
	case FormatJSON, FormatCBOR:
		doc := valueDoc{
			Value:     ev.Value,
			Raw:       hex.EncodeToString(ev.Raw),
			Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		}
		if p.cfg.Format == FormatCBOR {
			return cbor.Marshal(doc)
		}
		return json.Marshal(doc)
	default:
		b, ok := p.lookup(ev.DeviceID, ev.Characteristic)
		if !ok || b.Codec == nil {
			return []byte(fmt.Sprint(ev.Value)), nil
		}
		return b.Codec.Format(ev.Value)
	}
}

// recordSideEffects stores a published value in history and telemetry.
// Both are best effort.
func (p *Pipeline) recordSideEffects(l *lane, ev session.ValueEvent) {
	if p.history != nil {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		err := p.history.RecordValue(ctx, ev)
		cancel()
		if err != nil {
			l.stats.historyErrors.Add(1)
			p.logger.Warn("recording value history",
				"device_id", ev.DeviceID,
				"characteristic", ev.Characteristic,
				"error", err,
			)
		}
	}
	if p.telemetry != nil {
		p.telemetry.WriteValue(ev.DeviceID, ev.Characteristic, ev.Value, ev.Timestamp)
	}
}
