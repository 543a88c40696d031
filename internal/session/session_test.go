package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
)

const (
	testAddress  = "AA:BB:CC:DD:EE:01"
	uuidNotify   = "0000ffe1-0000-1000-8000-00805f9b34fb"
	uuidRead     = "0000ffe2-0000-1000-8000-00805f9b34fb"
	uuidWrite    = "0000ffe3-0000-1000-8000-00805f9b34fb"
	waitDeadline = 2 * time.Second
)

// fakeChar is a scriptable Characteristic.
type fakeChar struct {
	mu        sync.Mutex
	readData  []byte
	readErr   error
	writeErrs []error
	writes    [][]byte
	notify    func([]byte)
}

func (c *fakeChar) Read(context.Context) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return nil, c.readErr
	}
	return append([]byte(nil), c.readData...), nil
}

func (c *fakeChar) Write(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	if len(c.writeErrs) > 0 {
		err := c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
		return err
	}
	return nil
}

func (c *fakeChar) Subscribe(_ context.Context, onNotify func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = onNotify
	return nil
}

func (c *fakeChar) fire(data []byte) {
	c.mu.Lock()
	fn := c.notify
	c.mu.Unlock()
	fn(data)
}

func (c *fakeChar) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.writes)
}

// fakeLink serves a fixed set of characteristics.
type fakeLink struct {
	chars     map[string]*fakeChar
	disc      chan struct{}
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeLink(chars map[string]*fakeChar) *fakeLink {
	return &fakeLink{chars: chars, disc: make(chan struct{}), closed: make(chan struct{})}
}

func (l *fakeLink) Resolve(_ context.Context, uuids []string) (map[string]Characteristic, error) {
	out := make(map[string]Characteristic)
	for _, u := range uuids {
		if c, ok := l.chars[u]; ok {
			out[u] = c
		}
	}
	return out, nil
}

func (l *fakeLink) Disconnected() <-chan struct{} { return l.disc }

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

// fakeTransport fails the first len(errs) connects, then hands out links
// built by newLink.
type fakeTransport struct {
	mu      sync.Mutex
	errs    []error
	calls   int
	newLink func() *fakeLink
	links   []*fakeLink
}

func (t *fakeTransport) Connect(_ context.Context, _ string) (Link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls++
	if len(t.errs) > 0 {
		err := t.errs[0]
		t.errs = t.errs[1:]
		return nil, err
	}
	if t.newLink == nil {
		return nil, errors.New("unreachable")
	}
	l := t.newLink()
	t.links = append(t.links, l)
	return l, nil
}

func (t *fakeTransport) connectCalls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

func (t *fakeTransport) link(i int) *fakeLink {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.links[i]
}

// recordingSink captures events and failures.
type recordingSink struct {
	events   chan ValueEvent
	failures chan DeliveryFailure
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		events:   make(chan ValueEvent, 256),
		failures: make(chan DeliveryFailure, 64),
	}
}

func (s *recordingSink) Emit(ev ValueEvent)       { s.events <- ev }
func (s *recordingSink) Report(f DeliveryFailure) { s.failures <- f }

// stateRecorder collects state entries.
type stateRecorder struct {
	mu     sync.Mutex
	states []State
	ch     chan State
}

func newStateRecorder() *stateRecorder {
	return &stateRecorder{ch: make(chan State, 256)}
}

func (r *stateRecorder) hook(_ string, _, to State) {
	r.mu.Lock()
	r.states = append(r.states, to)
	r.mu.Unlock()
	r.ch <- to
}

func (r *stateRecorder) snapshot() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func (r *stateRecorder) waitFor(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(waitDeadline)
	for {
		select {
		case s := <-r.ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %s; saw %v", want, r.snapshot())
		}
	}
}

func mustCodec(t *testing.T, name string) codec.Codec {
	t.Helper()
	c, err := codec.NewRegistry().Resolve(codec.TypeGeneric, "x", codec.Ref{Codec: name})
	require.NoError(t, err)
	return c
}

func fastConfig(bindings ...Binding) Config {
	return Config{
		DeviceID: "dev1",
		Address:  testAddress,
		Bindings: bindings,
		Backoff:  BackoffConfig{Base: time.Millisecond, Max: 5 * time.Millisecond},
		Timeouts: Timeouts{
			Connect:   100 * time.Millisecond,
			Discover:  100 * time.Millisecond,
			Subscribe: 100 * time.Millisecond,
			Read:      100 * time.Millisecond,
			Write:     100 * time.Millisecond,
		},
	}
}

type harness struct {
	session   *Session
	transport *fakeTransport
	sink      *recordingSink
	states    *stateRecorder
	cancel    context.CancelFunc
	done      chan error
}

func startHarness(t *testing.T, cfg Config, tr *fakeTransport) *harness {
	t.Helper()
	h := &harness{
		transport: tr,
		sink:      newRecordingSink(),
		states:    newStateRecorder(),
		done:      make(chan error, 1),
	}
	s, err := New(cfg, tr, WithSink(h.sink), WithStateHook(h.states.hook))
	require.NoError(t, err)
	h.session = s

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitDeadline):
			t.Error("Run did not return after cancel")
		}
	})
	return h
}

func TestNewValidation(t *testing.T) {
	tr := &fakeTransport{}
	u8 := mustCodec(t, "uint8")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing id", Config{Address: testAddress}},
		{"missing address", Config{DeviceID: "d"}},
		{"binding without uuid", Config{DeviceID: "d", Address: testAddress, Bindings: []Binding{{Name: "t", Codec: u8}}}},
		{"duplicate binding", Config{DeviceID: "d", Address: testAddress, Bindings: []Binding{
			{Name: "t", UUID: uuidNotify, Direction: DirectionNotify, Codec: u8},
			{Name: "t", UUID: uuidRead, Direction: DirectionRead, Codec: u8},
		}}},
		{"notify without codec", Config{DeviceID: "d", Address: testAddress, Bindings: []Binding{
			{Name: "t", UUID: uuidNotify, Direction: DirectionNotify},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tr)
			assert.ErrorIs(t, err, ErrConfig)
		})
	}

	_, err := New(Config{DeviceID: "d", Address: testAddress}, nil)
	assert.ErrorIs(t, err, ErrConfig)
}

func TestRunStateSequenceAfterConnectTimeouts(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{
		errs: []error{context.DeadlineExceeded, context.DeadlineExceeded, context.DeadlineExceeded},
		newLink: func() *fakeLink {
			return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
		},
	}
	cfg := fastConfig(Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})
	h := startHarness(t, cfg, tr)

	h.states.waitFor(t, StateActive)

	want := []State{
		StateDisconnected,
		StateConnecting, StateDisconnected,
		StateConnecting, StateDisconnected,
		StateConnecting, StateDisconnected,
		StateConnecting, StateDiscovering, StateSubscribing, StateActive,
	}
	assert.Equal(t, want, h.states.snapshot())
	assert.Equal(t, 4, tr.connectCalls())

	st := h.session.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, 0, st.RetryCount)
	assert.True(t, st.NextRetry.IsZero())
}

func TestNotificationsEmittedInOrder(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(Binding{Name: "counter", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			notify.fire([]byte{byte(i)})
		}
	}()

	for i := 0; i < n; i++ {
		select {
		case ev := <-h.sink.events:
			require.Equal(t, int64(byte(i)), ev.Value, "event %d out of order", i)
			assert.Equal(t, "counter", ev.Characteristic)
			assert.Equal(t, SourceNotify, ev.Source)
			assert.Equal(t, "dev1", ev.DeviceID)
		case <-time.After(waitDeadline):
			t.Fatalf("received %d of %d events", i, n)
		}
	}
	assert.Equal(t, int64(n), h.session.Status().Stats.Notifications)
}

func TestDecodeErrorLeavesSessionActive(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(Binding{Name: "relay", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "bool"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	notify.fire([]byte{0x05})
	notify.fire([]byte{0x01})

	select {
	case ev := <-h.sink.events:
		assert.Equal(t, true, ev.Value)
	case <-time.After(waitDeadline):
		t.Fatal("no event after decode error")
	}

	st := h.session.Status()
	assert.Equal(t, StateActive, st.State)
	assert.Equal(t, int64(1), st.Stats.DecodeErrors)
	assert.Equal(t, true, st.LastValues["relay"])
}

func TestMissingRequiredCharacteristicAbandons(t *testing.T) {
	tr := &fakeTransport{newLink: func() *fakeLink { return newFakeLink(nil) }}
	cfg := fastConfig(Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})

	s, err := New(cfg, tr)
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, StateAbandoned, s.State())
	assert.Contains(t, s.Status().LastError, "temp")
	assert.Equal(t, 1, tr.connectCalls())
	select {
	case <-tr.link(0).closed:
	default:
		t.Error("link left open after abandon")
	}

	// Abandoned sessions make no further transport calls.
	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, 1, tr.connectCalls())
	assert.ErrorIs(t, s.Reset(), ErrAbandoned)
}

func TestMissingOptionalCharacteristicSkipped(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(
		Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true},
		Binding{Name: "battery", UUID: uuidRead, Direction: DirectionRead, Codec: mustCodec(t, "uint8"), Schedule: Every(time.Hour)},
	)
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)
	assert.Equal(t, StateActive, h.session.State())
}

func TestMaxRetriesAbandons(t *testing.T) {
	boom := errors.New("no route")
	tr := &fakeTransport{errs: []error{boom, boom, boom, boom, boom}}
	cfg := fastConfig()
	cfg.MaxRetries = 2

	s, err := New(cfg, tr)
	require.NoError(t, err)

	err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAbandoned)
	assert.Equal(t, 3, tr.connectCalls())

	st := s.Status()
	assert.Equal(t, StateAbandoned, st.State)
	assert.Contains(t, st.LastError, "no route")
}

func TestSubmitRequiresActive(t *testing.T) {
	s, err := New(fastConfig(), &fakeTransport{})
	require.NoError(t, err)

	err = s.Submit(CommandRequest{ID: "c1", Characteristic: "relay", Op: OpWrite, Data: []byte{1}})
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestWriteFailingTwiceReportsDeliveryFailure(t *testing.T) {
	bleErr := errors.New("att error 0x0e")
	write := &fakeChar{writeErrs: []error{bleErr, bleErr}}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidWrite: write})
	}}
	cfg := fastConfig(Binding{Name: "relay", UUID: uuidWrite, Direction: DirectionWrite, Codec: mustCodec(t, "bool"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	require.NoError(t, h.session.Submit(CommandRequest{
		ID: "cmd-1", DeviceID: "dev1", Characteristic: "relay", Op: OpWrite, Data: []byte{0x01},
	}))

	select {
	case f := <-h.sink.failures:
		assert.Equal(t, "cmd-1", f.CommandID)
		assert.Equal(t, "relay", f.Characteristic)
		assert.Equal(t, 2, f.Attempts)
		assert.ErrorIs(t, f.Err, ErrWriteFailed)
	case <-time.After(waitDeadline):
		t.Fatal("no delivery failure reported")
	}

	// The link is dropped after the failed write.
	h.states.waitFor(t, StateDisconnected)
	select {
	case <-tr.link(0).closed:
	case <-time.After(waitDeadline):
		t.Fatal("link not closed")
	}

	// The command is not retried on the next link.
	h.states.waitFor(t, StateActive)
	assert.Equal(t, 2, write.writeCount())
	write.mu.Lock()
	assert.Equal(t, [][]byte{{0x01}, {0x01}}, write.writes)
	write.mu.Unlock()
	assert.Equal(t, int64(1), h.session.Status().Stats.WriteFailures)
}

func TestWriteRetriedOnceThenSucceeds(t *testing.T) {
	write := &fakeChar{writeErrs: []error{errors.New("busy")}}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidWrite: write})
	}}
	cfg := fastConfig(Binding{Name: "relay", UUID: uuidWrite, Direction: DirectionWrite, Codec: mustCodec(t, "bool"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	require.NoError(t, h.session.Submit(CommandRequest{ID: "cmd-2", Characteristic: "relay", Op: OpWrite, Data: []byte{0x00}}))

	require.Eventually(t, func() bool {
		return h.session.Status().Stats.Writes == 1
	}, waitDeadline, 5*time.Millisecond)
	assert.Equal(t, 2, write.writeCount())
	assert.Equal(t, StateActive, h.session.State())
	assert.Empty(t, h.sink.failures)
}

func TestCommandReadEmitsValue(t *testing.T) {
	read := &fakeChar{readData: []byte{0x00, 0xFA}}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidRead: read})
	}}
	cfg := fastConfig(Binding{Name: "level", UUID: uuidRead, Direction: DirectionRead, Codec: mustCodec(t, "uint16be"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	require.NoError(t, h.session.Submit(CommandRequest{ID: "cmd-3", BatchID: "b1", Characteristic: "level", Op: OpRead}))

	select {
	case ev := <-h.sink.events:
		assert.Equal(t, int64(250), ev.Value)
		assert.Equal(t, []byte{0x00, 0xFA}, ev.Raw)
		assert.Equal(t, "cmd-3", ev.CommandID)
		assert.Equal(t, "b1", ev.BatchID)
		assert.Equal(t, SourceCommand, ev.Source)
	case <-time.After(waitDeadline):
		t.Fatal("no value for command read")
	}
}

func TestUnknownCharacteristicCommandFails(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	require.NoError(t, h.session.Submit(CommandRequest{ID: "c", Characteristic: "nope", Op: OpWrite}))
	select {
	case f := <-h.sink.failures:
		assert.ErrorIs(t, f.Err, ErrUnknownCharacteristic)
	case <-time.After(waitDeadline):
		t.Fatal("no failure")
	}
	assert.Equal(t, StateActive, h.session.State())
}

func TestExpiredCommandFails(t *testing.T) {
	write := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidWrite: write})
	}}
	cfg := fastConfig(Binding{Name: "relay", UUID: uuidWrite, Direction: DirectionWrite, Codec: mustCodec(t, "bool"), Required: true})
	cfg.CommandTTL = time.Second
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	require.NoError(t, h.session.Submit(CommandRequest{
		ID: "old", Characteristic: "relay", Op: OpWrite, Data: []byte{1},
		Issued: time.Now().Add(-time.Minute),
	}))
	select {
	case f := <-h.sink.failures:
		assert.ErrorIs(t, f.Err, ErrCommandExpired)
	case <-time.After(waitDeadline):
		t.Fatal("no failure")
	}
	assert.Equal(t, 0, write.writeCount())
}

func TestPollReadsImmediatelyOnActive(t *testing.T) {
	read := &fakeChar{readData: []byte{87}}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidRead: read})
	}}
	cfg := fastConfig(Binding{
		Name: "battery", UUID: uuidRead, Direction: DirectionRead,
		Codec: mustCodec(t, "uint8"), Schedule: Every(time.Hour), Required: true,
	})
	h := startHarness(t, cfg, tr)

	select {
	case ev := <-h.sink.events:
		assert.Equal(t, int64(87), ev.Value)
		assert.Equal(t, SourcePoll, ev.Source)
	case <-time.After(waitDeadline):
		t.Fatal("no poll value")
	}
}

func TestPollRepeatsOnSchedule(t *testing.T) {
	read := &fakeChar{readData: []byte{1}}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidRead: read})
	}}
	cfg := fastConfig(Binding{
		Name: "battery", UUID: uuidRead, Direction: DirectionRead,
		Codec: mustCodec(t, "uint8"), Schedule: Every(10 * time.Millisecond), Required: true,
	})
	h := startHarness(t, cfg, tr)

	for i := 0; i < 3; i++ {
		select {
		case <-h.sink.events:
		case <-time.After(waitDeadline):
			t.Fatalf("only %d polls", i)
		}
	}
	assert.GreaterOrEqual(t, h.session.Status().Stats.Reads, int64(3))
}

func TestLinkLossReconnects(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	close(tr.link(0).disc)

	h.states.waitFor(t, StateDisconnected)
	h.states.waitFor(t, StateActive)
	assert.Equal(t, 2, tr.connectCalls())
	assert.Contains(t, h.session.Status().LastError, "lost")
	assert.Equal(t, 0, h.session.Status().RetryCount)
}

func TestLinkLossReconnectsWithoutBackoff(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})
	cfg.Backoff = BackoffConfig{Base: 800 * time.Millisecond, Max: time.Second}
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	start := time.Now()
	close(tr.link(0).disc)
	require.Eventually(t, func() bool { return tr.connectCalls() == 2 }, waitDeadline, 5*time.Millisecond)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "first reconnect after a drop waits for backoff")

	// A second drop right after the immediate reconnect backs off.
	require.Eventually(t, func() bool { return h.session.State() == StateActive }, waitDeadline, 5*time.Millisecond)
	close(tr.link(1).disc)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 2, tr.connectCalls())
}

func TestAbandonStopsRun(t *testing.T) {
	notify := &fakeChar{}
	tr := &fakeTransport{newLink: func() *fakeLink {
		return newFakeLink(map[string]*fakeChar{uuidNotify: notify})
	}}
	cfg := fastConfig(Binding{Name: "temp", UUID: uuidNotify, Direction: DirectionNotify, Codec: mustCodec(t, "uint8"), Required: true})
	h := startHarness(t, cfg, tr)
	h.states.waitFor(t, StateActive)

	h.session.Abandon(errors.New("operator"))

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, ErrAbandoned)
		h.done <- err
	case <-time.After(waitDeadline):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, StateAbandoned, h.session.State())
	assert.ErrorIs(t, h.session.Submit(CommandRequest{Characteristic: "temp"}), ErrNotActive)
}

func TestRunReturnsNilOnCancel(t *testing.T) {
	tr := &fakeTransport{errs: []error{errors.New("x")}}
	cfg := fastConfig()
	cfg.Backoff = BackoffConfig{Base: time.Hour, Max: time.Hour}

	s, err := New(cfg, tr)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return !s.Status().NextRetry.IsZero() }, waitDeadline, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitDeadline):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 1, s.Status().RetryCount)
}
