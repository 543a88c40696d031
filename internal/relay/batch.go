package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/session"
)

// Batch actions.
const (
	actionRead  = "readCharacteristic"
	actionWrite = "writeCharacteristic"
)

// batchRequest is the payload of <prefix>/<device>/commands.
type batchRequest struct {
	Commands []batchCommand `json:"commands"`
	Args     batchArgs      `json:"args"`
	Tries    int            `json:"tries,omitempty"`
}

type batchArgs struct {
	CombineResponsesToTopic string `json:"combineResponsesToTopic,omitempty"`
}

type batchCommand struct {
	Action      string          `json:"action"`
	Name        string          `json:"name,omitempty"`
	UUID        string          `json:"uuid,omitempty"`
	Value       json.RawMessage `json:"value,omitempty"`
	IgnoreError bool            `json:"ignoreError,omitempty"`
}

// batch tracks the commands of one submitted batch until each has been
// acknowledged, answered or failed.
type batch struct {
	id       string
	deviceID string
	req      batchRequest
	keys     map[string]string
	ignore   map[string]bool
	pending  int
	failed   error
	results  map[string][]int
	timer    *time.Timer
}

type batchTracker struct {
	p *Pipeline

	mu     sync.Mutex
	active map[string]*batch
}

func newBatchTracker(p *Pipeline) *batchTracker {
	return &batchTracker{p: p, active: make(map[string]*batch)}
}

// HandleBatch handles a message on <prefix>/<device>/commands. Its
// signature matches mqtt.MessageHandler.
func (p *Pipeline) HandleBatch(topic string, payload []byte) error {
	if p.stopped.Load() {
		return nil
	}

	deviceID, ok := p.cfg.Topics.ParseBatch(topic)
	if !ok || p.lanes[deviceID] == nil {
		p.unknownTopics.Add(1)
		p.logger.Warn("batch on unknown topic", "topic", topic)
		return nil
	}

	var req batchRequest
	if err := json.Unmarshal(payload, &req); err != nil || len(req.Commands) == 0 {
		p.lanes[deviceID].stats.commandErrors.Add(1)
		p.logger.Warn("rejecting batch payload",
			"device_id", deviceID,
			"error", err,
		)
		return nil
	}

	p.runBatch(deviceID, req)
	return nil
}

// runBatch resolves and submits every command of req in order.
func (p *Pipeline) runBatch(deviceID string, req batchRequest) {
	l := p.lanes[deviceID]
	batchID := newCommandID()

	cmds, keys, ignore, err := p.resolveBatch(deviceID, batchID, req)
	if err != nil {
		l.stats.commandErrors.Add(1)
		p.Report(session.DeliveryFailure{
			DeviceID:  deviceID,
			BatchID:   batchID,
			Err:       fmt.Errorf("%w: %w", ErrInvalidBatch, err),
			Timestamp: time.Now(),
		})
		return
	}
	if len(cmds) == 0 {
		return
	}

	if !p.allow(l, session.CommandRequest{DeviceID: deviceID}) {
		return
	}

	b := &batch{
		id:       batchID,
		deviceID: deviceID,
		req:      req,
		keys:     keys,
		ignore:   ignore,
		pending:  len(cmds),
		results:  make(map[string][]int),
	}
	p.batches.begin(b)

	p.logger.Info("submitting batch",
		"device_id", deviceID,
		"batch_id", batchID,
		"commands", len(cmds),
		"tries", req.Tries,
	)

	for _, cmd := range cmds {
		if !p.route(l, cmd) && !cmd.IgnoreError {
			return
		}
	}
}

// resolveBatch maps batch commands to session commands. Commands naming an
// unknown characteristic are skipped when ignoreError is set.
func (p *Pipeline) resolveBatch(deviceID, batchID string, req batchRequest) ([]session.CommandRequest, map[string]string, map[string]bool, error) {
	cmds := make([]session.CommandRequest, 0, len(req.Commands))
	keys := make(map[string]string, len(req.Commands))
	ignore := make(map[string]bool)

	for i, bc := range req.Commands {
		b, key, err := p.resolveBatchTarget(deviceID, bc)
		if err == nil {
			cmd := session.CommandRequest{
				ID:             newCommandID(),
				DeviceID:       deviceID,
				Characteristic: b.Name,
				IgnoreError:    bc.IgnoreError,
				BatchID:        batchID,
				Issued:         time.Now(),
			}
			switch bc.Action {
			case actionRead:
				cmd.Op = session.OpRead
			case actionWrite:
				cmd.Op = session.OpWrite
				cmd.Data, err = batchValue(bc.Value)
			default:
				err = fmt.Errorf("unknown action %q", bc.Action)
			}
			if err == nil {
				cmds = append(cmds, cmd)
				keys[cmd.ID] = key
				if bc.IgnoreError {
					ignore[cmd.ID] = true
				}
				continue
			}
		}

		if bc.IgnoreError {
			p.logger.Debug("skipping unresolvable batch command",
				"device_id", deviceID,
				"index", i,
				"error", err,
			)
			continue
		}
		return nil, nil, nil, fmt.Errorf("command %d: %w", i, err)
	}
	return cmds, keys, ignore, nil
}

// resolveBatchTarget finds the binding a batch command names and the key
// its result is published under: the name if given, else the UUID.
func (p *Pipeline) resolveBatchTarget(deviceID string, bc batchCommand) (binding, string, error) {
	if bc.Name != "" {
		b, ok := p.byName[deviceID][bc.Name]
		if !ok {
			return binding{}, "", fmt.Errorf("unknown characteristic %q", bc.Name)
		}
		return b, bc.Name, nil
	}
	if bc.UUID != "" {
		u, err := session.NormalizeUUID(bc.UUID)
		if err != nil {
			return binding{}, "", err
		}
		b, ok := p.byUUID[deviceID][u]
		if !ok {
			return binding{}, "", fmt.Errorf("unknown characteristic uuid %q", bc.UUID)
		}
		return b, bc.UUID, nil
	}
	return binding{}, "", fmt.Errorf("command needs name or uuid")
}

// batchValue decodes a write value: a string is sent as its UTF-8 bytes,
// an array as one byte per element.
func batchValue(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("write needs a value")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []byte(s), nil
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("value must be a string or an array of bytes")
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("value[%d]=%d is not a byte", i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func (t *batchTracker) begin(b *batch) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[b.id] = b
	b.timer = time.AfterFunc(t.p.cfg.BatchTimeout, func() {
		t.fail(b.id, fmt.Errorf("%w after %s", ErrBatchTimeout, t.p.cfg.BatchTimeout))
	})
}

func (t *batchTracker) onValue(ev session.ValueEvent) {
	t.mu.Lock()
	b, ok := t.active[ev.BatchID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if key, ok := b.keys[ev.CommandID]; ok {
		b.results[key] = byteInts(ev.Raw)
		b.pending--
	}
	done := b.pending <= 0
	if done {
		t.remove(b)
	}
	t.mu.Unlock()

	if done {
		t.p.finishBatch(b)
	}
}

func (t *batchTracker) onAck(cmd session.CommandRequest) {
	t.mu.Lock()
	b, ok := t.active[cmd.BatchID]
	if !ok {
		t.mu.Unlock()
		return
	}
	b.pending--
	done := b.pending <= 0
	if done {
		t.remove(b)
	}
	t.mu.Unlock()

	if done {
		t.p.finishBatch(b)
	}
}

func (t *batchTracker) onFailure(f session.DeliveryFailure) {
	t.mu.Lock()
	b, ok := t.active[f.BatchID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if b.ignore[f.CommandID] {
		b.pending--
		done := b.pending <= 0
		if done {
			t.remove(b)
		}
		t.mu.Unlock()
		if done {
			t.p.finishBatch(b)
		}
		return
	}
	t.mu.Unlock()
	t.fail(f.BatchID, f.Err)
}

// fail ends a batch early.
func (t *batchTracker) fail(batchID string, err error) {
	t.mu.Lock()
	b, ok := t.active[batchID]
	if !ok {
		t.mu.Unlock()
		return
	}
	b.failed = err
	t.remove(b)
	t.mu.Unlock()

	t.p.finishBatch(b)
}

// remove must be called with t.mu held.
func (t *batchTracker) remove(b *batch) {
	delete(t.active, b.id)
	if b.timer != nil {
		b.timer.Stop()
	}
}

func (t *batchTracker) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, b := range t.active {
		t.remove(b)
	}
}

// finishBatch publishes a batch's read results, or schedules a retry when
// it failed and tries remain.
func (p *Pipeline) finishBatch(b *batch) {
	if b.failed != nil {
		if b.req.Tries > 1 {
			next := b.req
			next.Tries--
			p.logger.Warn("batch failed, retrying",
				"device_id", b.deviceID,
				"batch_id", b.id,
				"tries_left", next.Tries,
				"delay", p.cfg.BatchRetryDelay,
				"error", b.failed,
			)
			p.afterFunc(p.cfg.BatchRetryDelay, func() { p.runBatch(b.deviceID, next) })
			return
		}
		p.logger.Error("batch failed",
			"device_id", b.deviceID,
			"batch_id", b.id,
			"error", b.failed,
		)
		return
	}

	if len(b.results) == 0 {
		return
	}

	if name := b.req.Args.CombineResponsesToTopic; name != "" {
		payload, err := json.Marshal(b.results)
		if err != nil {
			return
		}
		p.enqueue(b.deviceID, item{kind: itemData, topic: p.cfg.Topics.Data(b.deviceID, name), payload: payload})
		return
	}
	for key, ints := range b.results {
		payload, err := json.Marshal(ints)
		if err != nil {
			continue
		}
		p.enqueue(b.deviceID, item{kind: itemData, topic: p.cfg.Topics.Data(b.deviceID, key), payload: payload})
	}
}

// byteInts renders bytes the way batch results are published: a JSON
// array of integers rather than base64.
func byteInts(raw []byte) []int {
	out := make([]int, len(raw))
	for i, b := range raw {
		out[i] = int(b)
	}
	return out
}
