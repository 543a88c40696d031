package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// newCommandID returns a lexically sortable command identifier.
func newCommandID() string {
	return ulid.Make().String()
}

// HandleCommand handles a message on a <prefix>/<device>/<topic>/set topic.
// Its signature matches mqtt.MessageHandler. Problems are logged and
// counted rather than returned, so one bad message never affects others.
func (p *Pipeline) HandleCommand(topic string, payload []byte) error {
	if p.stopped.Load() {
		return nil
	}

	b, ok := p.commandTo[topic]
	if !ok {
		p.unknownTopics.Add(1)
		if deviceID, name, parsed := p.cfg.Topics.ParseCommand(topic); parsed {
			p.logger.Warn("command for unknown or read-only characteristic",
				"device_id", deviceID,
				"characteristic", name,
			)
		} else {
			p.logger.Warn("command on unknown topic", "topic", topic)
		}
		return nil
	}
	l := p.lanes[b.deviceID]

	value, err := parseCommandPayload(b, payload)
	if err == nil {
		var data []byte
		data, err = b.Codec.Encode(value)
		if err == nil {
			p.submit(l, session.CommandRequest{
				ID:             newCommandID(),
				DeviceID:       b.deviceID,
				Characteristic: b.Name,
				Op:             session.OpWrite,
				Data:           data,
				Issued:         time.Now(),
			})
			return nil
		}
	}

	l.stats.commandErrors.Add(1)
	p.logger.Warn("rejecting command payload",
		"device_id", b.deviceID,
		"characteristic", b.Name,
		"payload", string(payload),
		"error", err,
	)
	return nil
}

// parseCommandPayload accepts a bare payload ("1", "21.5", "on") or a JSON
// object {"value": ...}.
func parseCommandPayload(b binding, payload []byte) (any, error) {
	if b.Codec == nil {
		return nil, fmt.Errorf("characteristic %q has no codec", b.Name)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapper struct {
			Value json.RawMessage `json:"value"`
		}
		if err := json.Unmarshal(trimmed, &wrapper); err == nil && len(wrapper.Value) > 0 {
			var s string
			if json.Unmarshal(wrapper.Value, &s) == nil {
				return b.Codec.Parse([]byte(s))
			}
			return b.Codec.Parse(wrapper.Value)
		}
	}
	return b.Codec.Parse(trimmed)
}

// submit rate-limits and routes one command.
func (p *Pipeline) submit(l *lane, cmd session.CommandRequest) bool {
	if !p.allow(l, cmd) {
		return false
	}
	return p.route(l, cmd)
}

// allow takes a token from the device's bucket. A rejection becomes a
// delivery failure on the device's error topic.
func (p *Pipeline) allow(l *lane, cmd session.CommandRequest) bool {
	if p.limiters[cmd.DeviceID].Allow() {
		return true
	}
	l.stats.rateLimited.Add(1)
	p.Report(failureFor(cmd, fmt.Errorf("%w: device %s", ErrRateLimited, cmd.DeviceID)))
	return false
}

// route hands cmd to the registry. Routing errors become delivery failures.
func (p *Pipeline) route(l *lane, cmd session.CommandRequest) bool {
	if err := p.router.RouteCommand(cmd.DeviceID, cmd); err != nil {
		p.Report(failureFor(cmd, fmt.Errorf("%w: %w", ErrDelivery, err)))
		return false
	}

	l.stats.commands.Add(1)
	p.logger.Debug("command routed",
		"device_id", cmd.DeviceID,
		"characteristic", cmd.Characteristic,
		"command_id", cmd.ID,
		"op", cmd.Op,
	)
	return true
}

func failureFor(cmd session.CommandRequest, err error) session.DeliveryFailure {
	return session.DeliveryFailure{
		DeviceID:       cmd.DeviceID,
		Characteristic: cmd.Characteristic,
		CommandID:      cmd.ID,
		BatchID:        cmd.BatchID,
		Attempts:       0,
		Err:            err,
		Timestamp:      time.Now(),
	}
}
