package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/ble-mqtt-bridge/internal/codec"
)

// Defaults applied by New for zero-valued Config fields.
const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultDiscoverTimeout  = 10 * time.Second
	DefaultSubscribeTimeout = 5 * time.Second
	DefaultReadTimeout      = 5 * time.Second
	DefaultWriteTimeout     = 5 * time.Second
	DefaultCommandBuffer    = 16
	DefaultNotifyBuffer     = 64

	// writeAttempts is the initial write plus one immediate retry.
	writeAttempts = 2
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSink sets where values and delivery failures go.
func WithSink(sink Sink) Option {
	return func(s *Session) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithStateHook registers fn to be called on every state entry.
// fn runs on the session goroutine and must not block.
func WithStateHook(fn func(deviceID string, from, to State)) Option {
	return func(s *Session) {
		s.onStateChange = fn
	}
}

// Session owns the BLE connection lifecycle for one device.
//
// Run drives the state machine and is the only goroutine that talks to the
// transport. Submit, Status, Abandon and Reset are safe for concurrent use.
type Session struct {
	cfg       Config
	transport Transport
	sink      Sink
	logger    Logger
	backoff   *Backoff
	bindings  map[string]Binding

	onStateChange func(deviceID string, from, to State)

	commands chan CommandRequest

	abandonOnce sync.Once
	abandonCh   chan struct{}

	mu         sync.Mutex
	state      State
	retryCount int
	nextRetry  time.Time
	lastErr    error
	lastValues map[string]codec.Value
	stats      Stats
	since      time.Time
}

// notification carries one notify callback payload to the Run goroutine.
type notification struct {
	binding Binding
	data    []byte
}

// poller tracks the next fire time of one polled characteristic.
type poller struct {
	binding Binding
	char    Characteristic
	next    time.Time
}

// New creates a session in the Disconnected state.
func New(cfg Config, transport Transport, opts ...Option) (*Session, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrConfig)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: device %s: address is required", ErrConfig, cfg.DeviceID)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: device %s: transport is required", ErrConfig, cfg.DeviceID)
	}

	bindings := make(map[string]Binding, len(cfg.Bindings))
	for _, b := range cfg.Bindings {
		if b.Name == "" || b.UUID == "" {
			return nil, fmt.Errorf("%w: device %s: binding needs name and uuid", ErrConfig, cfg.DeviceID)
		}
		if _, dup := bindings[b.Name]; dup {
			return nil, fmt.Errorf("%w: device %s: duplicate binding %q", ErrConfig, cfg.DeviceID, b.Name)
		}
		if b.Codec == nil && b.Direction != DirectionWrite {
			return nil, fmt.Errorf("%w: device %s: binding %q has no codec", ErrConfig, cfg.DeviceID, b.Name)
		}
		bindings[b.Name] = b
	}

	applyDefaults(&cfg)

	s := &Session{
		cfg:        cfg,
		transport:  transport,
		sink:       noopSink{},
		logger:     noopLogger{},
		backoff:    NewBackoff(cfg.Backoff),
		bindings:   bindings,
		commands:   make(chan CommandRequest, cfg.CommandBuffer),
		abandonCh:  make(chan struct{}),
		state:      StateDisconnected,
		lastValues: make(map[string]codec.Value),
		since:      time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func applyDefaults(cfg *Config) {
	t := &cfg.Timeouts
	if t.Connect <= 0 {
		t.Connect = DefaultConnectTimeout
	}
	if t.Discover <= 0 {
		t.Discover = DefaultDiscoverTimeout
	}
	if t.Subscribe <= 0 {
		t.Subscribe = DefaultSubscribeTimeout
	}
	if t.Read <= 0 {
		t.Read = DefaultReadTimeout
	}
	if t.Write <= 0 {
		t.Write = DefaultWriteTimeout
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = DefaultCommandBuffer
	}
	if cfg.NotifyBuffer <= 0 {
		cfg.NotifyBuffer = DefaultNotifyBuffer
	}
}

// DeviceID returns the device identity.
func (s *Session) DeviceID() string {
	return s.cfg.DeviceID
}

// Address returns the peripheral address.
func (s *Session) Address() string {
	return s.cfg.Address
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make(map[string]codec.Value, len(s.lastValues))
	for k, v := range s.lastValues {
		values[k] = v
	}
	st := Status{
		DeviceID:   s.cfg.DeviceID,
		Address:    s.cfg.Address,
		State:      s.state,
		RetryCount: s.retryCount,
		NextRetry:  s.nextRetry,
		LastValues: values,
		Stats:      s.stats,
		Since:      s.since,
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

// Submit queues a command for the Run goroutine. It never blocks.
func (s *Session) Submit(cmd CommandRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return ErrNotActive
	}
	if cmd.Issued.IsZero() {
		cmd.Issued = time.Now()
	}
	select {
	case s.commands <- cmd:
		return nil
	default:
		return ErrCommandQueueFull
	}
}

// Abandon moves the session to the terminal Abandoned state. A running Run
// returns ErrAbandoned shortly after.
func (s *Session) Abandon(reason error) {
	s.abandonOnce.Do(func() {
		s.mu.Lock()
		if reason != nil {
			s.lastErr = reason
		}
		s.nextRetry = time.Time{}
		s.mu.Unlock()

		s.setState(StateAbandoned)
		close(s.abandonCh)
		s.drainCommands(ErrNotActive)

		s.logger.Error("device session abandoned",
			"device_id", s.cfg.DeviceID,
			"address", s.cfg.Address,
			"error", reason,
		)
	})
}

// Reset returns a session whose Run terminated unexpectedly to
// Disconnected with a cleared retry count.
func (s *Session) Reset() error {
	if s.isAbandoned() {
		return ErrAbandoned
	}
	s.mu.Lock()
	s.retryCount = 0
	s.nextRetry = time.Time{}
	s.mu.Unlock()
	s.setState(StateDisconnected)
	s.drainCommands(ErrNotActive)
	return nil
}

// Run drives the connection state machine until ctx is cancelled or the
// session is abandoned. It returns nil on cancellation and ErrAbandoned
// once abandoned.
func (s *Session) Run(ctx context.Context) error {
	if s.isAbandoned() {
		return ErrAbandoned
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.abandonCh:
			cancel()
		case <-runCtx.Done():
		}
	}()

	s.setState(StateDisconnected)

	first := true
	resume := false
	for {
		if s.isAbandoned() {
			return ErrAbandoned
		}
		if ctx.Err() != nil {
			return nil
		}

		if !first && !resume {
			if !s.waitRetry(runCtx) {
				if s.isAbandoned() {
					return ErrAbandoned
				}
				return nil
			}
		}
		first = false
		resumed := resume
		resume = false

		counted, err := s.connectOnce(runCtx)

		if s.isAbandoned() {
			return ErrAbandoned
		}
		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			s.drainCommands(ErrNotActive)
			return nil
		}
		if errors.Is(err, ErrConfig) {
			s.Abandon(err)
			return ErrAbandoned
		}

		s.mu.Lock()
		s.lastErr = err
		if counted {
			s.retryCount++
		}
		retries := s.retryCount
		s.mu.Unlock()

		s.setState(StateDisconnected)
		s.drainCommands(ErrNotActive)

		s.logger.Warn("device link down",
			"device_id", s.cfg.DeviceID,
			"retry_count", retries,
			"error", err,
		)

		if s.cfg.MaxRetries > 0 && retries > s.cfg.MaxRetries {
			s.Abandon(fmt.Errorf("giving up after %d consecutive failures: %w", retries, err))
			return ErrAbandoned
		}

		// A link lost from Active reconnects at once. A link that drops
		// again straight after that reconnect waits for the backoff.
		resume = !counted && !resumed
	}
}

// waitRetry sleeps for the backoff delay. It returns false if ctx ends first.
func (s *Session) waitRetry(ctx context.Context) bool {
	s.mu.Lock()
	retries := s.retryCount
	delay := s.backoff.Delay(retries)
	s.nextRetry = time.Now().Add(delay)
	s.mu.Unlock()

	s.logger.Debug("scheduling reconnect",
		"device_id", s.cfg.DeviceID,
		"retry_count", retries,
		"delay", delay,
	)

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	s.mu.Lock()
	s.nextRetry = time.Time{}
	s.mu.Unlock()
	return true
}

// connectOnce runs one pass through Connecting, Discovering, Subscribing
// and Active. counted reports whether the failure happened before Active
// and should increase the retry count.
func (s *Session) connectOnce(ctx context.Context) (counted bool, err error) {
	s.setState(StateConnecting)

	cctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Connect)
	link, err := s.transport.Connect(cctx, s.cfg.Address)
	cancel()
	if err != nil {
		return true, fmt.Errorf("%w: connect %s: %w", ErrTransport, s.cfg.Address, err)
	}
	defer func() {
		if cerr := link.Close(); cerr != nil {
			s.logger.Debug("closing link", "device_id", s.cfg.DeviceID, "error", cerr)
		}
	}()

	s.mu.Lock()
	s.stats.Connects++
	s.mu.Unlock()

	s.setState(StateDiscovering)
	chars, err := s.resolve(ctx, link)
	if err != nil {
		return true, err
	}

	s.setState(StateSubscribing)
	activeCtx, cancelActive := context.WithCancel(ctx)
	defer cancelActive()

	notifyCh := make(chan notification, s.cfg.NotifyBuffer)
	if err := s.subscribe(activeCtx, chars, notifyCh); err != nil {
		return true, err
	}

	s.mu.Lock()
	s.retryCount = 0
	s.nextRetry = time.Time{}
	s.mu.Unlock()
	s.setState(StateActive)

	s.logger.Info("device session active",
		"device_id", s.cfg.DeviceID,
		"address", s.cfg.Address,
		"characteristics", len(chars),
	)

	return false, s.active(activeCtx, link, chars, notifyCh)
}

// resolve maps binding names to transport characteristics.
func (s *Session) resolve(ctx context.Context, link Link) (map[string]Characteristic, error) {
	seen := make(map[string]bool, len(s.cfg.Bindings))
	uuids := make([]string, 0, len(s.cfg.Bindings))
	for _, b := range s.cfg.Bindings {
		if !seen[b.UUID] {
			seen[b.UUID] = true
			uuids = append(uuids, b.UUID)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Discover)
	found, err := link.Resolve(dctx, uuids)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("%w: discover: %w", ErrTransport, err)
	}

	chars := make(map[string]Characteristic, len(s.cfg.Bindings))
	for _, b := range s.cfg.Bindings {
		c, ok := found[b.UUID]
		if !ok || c == nil {
			if b.Required {
				return nil, fmt.Errorf("%w: device %s: required characteristic %q (%s) not found",
					ErrConfig, s.cfg.DeviceID, b.Name, b.UUID)
			}
			s.logger.Warn("optional characteristic not found",
				"device_id", s.cfg.DeviceID,
				"characteristic", b.Name,
				"uuid", b.UUID,
			)
			continue
		}
		chars[b.Name] = c
	}
	return chars, nil
}

// subscribe enables notifications for every resolved notify binding.
func (s *Session) subscribe(ctx context.Context, chars map[string]Characteristic, out chan<- notification) error {
	for _, b := range s.cfg.Bindings {
		if b.Direction != DirectionNotify {
			continue
		}
		c, ok := chars[b.Name]
		if !ok {
			continue
		}

		binding := b
		onNotify := func(data []byte) {
			buf := make([]byte, len(data))
			copy(buf, data)
			select {
			case out <- notification{binding: binding, data: buf}:
			case <-ctx.Done():
			}
		}

		sctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Subscribe)
		err := c.Subscribe(sctx, onNotify)
		cancel()
		if err != nil {
			return fmt.Errorf("%w: subscribe %s: %w", ErrTransport, b.Name, err)
		}
	}
	return nil
}

// active is the Active state loop. It returns when the link must be dropped.
func (s *Session) active(ctx context.Context, link Link, chars map[string]Characteristic, notifyCh <-chan notification) error {
	var pollers []*poller
	for _, b := range s.cfg.Bindings {
		if b.Direction != DirectionRead || b.Schedule == nil {
			continue
		}
		if c, ok := chars[b.Name]; ok {
			pollers = append(pollers, &poller{binding: b, char: c})
		}
	}

	// Polled characteristics are read once on entry so consumers see a
	// value without waiting a full interval.
	now := time.Now()
	for _, p := range pollers {
		if err := s.poll(ctx, link, p); err != nil {
			return err
		}
		p.next = p.binding.Schedule.Next(now)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	resetTimer := func() {
		if len(pollers) == 0 {
			return
		}
		earliest := pollers[0].next
		for _, p := range pollers[1:] {
			if p.next.Before(earliest) {
				earliest = p.next
			}
		}
		d := time.Until(earliest)
		if d < 0 {
			d = 0
		}
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		timerC = timer.C
	}
	resetTimer()
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-link.Disconnected():
			return fmt.Errorf("%w: link to %s lost", ErrTransport, s.cfg.Address)

		case n := <-notifyCh:
			s.handleNotification(n)

		case <-timerC:
			now := time.Now()
			for _, p := range pollers {
				if p.next.After(now) {
					continue
				}
				if err := s.poll(ctx, link, p); err != nil {
					return err
				}
				p.next = p.binding.Schedule.Next(now)
			}
			resetTimer()

		case cmd := <-s.commands:
			if err := s.handleCommand(ctx, chars, cmd); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleNotification(n notification) {
	value, err := n.binding.Codec.Decode(n.data)

	s.mu.Lock()
	s.stats.Notifications++
	if err != nil {
		s.stats.DecodeErrors++
	} else {
		s.lastValues[n.binding.Name] = value
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("decoding notification",
			"device_id", s.cfg.DeviceID,
			"characteristic", n.binding.Name,
			"raw", fmt.Sprintf("%x", n.data),
			"error", err,
		)
		return
	}

	s.sink.Emit(s.event(n.binding, value, n.data, SourceNotify))
}

// poll reads one polled characteristic. Read failures are logged; an error
// is returned only when the link has gone away.
func (s *Session) poll(ctx context.Context, link Link, p *poller) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Read)
	data, err := p.char.Read(rctx)
	cancel()

	if err != nil {
		s.mu.Lock()
		s.stats.ReadFailures++
		s.mu.Unlock()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("polling characteristic",
			"device_id", s.cfg.DeviceID,
			"characteristic", p.binding.Name,
			"error", err,
		)
		select {
		case <-link.Disconnected():
			return fmt.Errorf("%w: link to %s lost during read: %w", ErrTransport, s.cfg.Address, err)
		default:
			return nil
		}
	}

	value, derr := p.binding.Codec.Decode(data)

	s.mu.Lock()
	s.stats.Reads++
	if derr != nil {
		s.stats.DecodeErrors++
	} else {
		s.lastValues[p.binding.Name] = value
	}
	s.mu.Unlock()

	if derr != nil {
		s.logger.Warn("decoding polled value",
			"device_id", s.cfg.DeviceID,
			"characteristic", p.binding.Name,
			"raw", fmt.Sprintf("%x", data),
			"error", derr,
		)
		return nil
	}

	s.sink.Emit(s.event(p.binding, value, data, SourcePoll))
	return nil
}

// handleCommand executes one queued command. A non-nil return drops the link.
func (s *Session) handleCommand(ctx context.Context, chars map[string]Characteristic, cmd CommandRequest) error {
	if s.cfg.CommandTTL > 0 && time.Since(cmd.Issued) > s.cfg.CommandTTL {
		s.fail(cmd, 0, fmt.Errorf("%w: queued for %s", ErrCommandExpired, time.Since(cmd.Issued).Round(time.Millisecond)))
		return nil
	}

	binding, ok := s.bindings[cmd.Characteristic]
	char, resolved := chars[cmd.Characteristic]
	if !ok || !resolved {
		s.fail(cmd, 0, fmt.Errorf("%w: %q", ErrUnknownCharacteristic, cmd.Characteristic))
		return nil
	}

	switch cmd.Op {
	case OpRead:
		return s.commandRead(ctx, binding, char, cmd)
	default:
		return s.commandWrite(ctx, binding, char, cmd)
	}
}

func (s *Session) commandWrite(ctx context.Context, binding Binding, char Characteristic, cmd CommandRequest) error {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Write)
		err = char.Write(wctx, cmd.Data)
		cancel()
		if err == nil {
			s.mu.Lock()
			s.stats.Writes++
			s.mu.Unlock()
			s.logger.Debug("characteristic written",
				"device_id", s.cfg.DeviceID,
				"characteristic", binding.Name,
				"command_id", cmd.ID,
				"attempt", attempt,
			)
			if a, ok := s.sink.(Acker); ok {
				a.Ack(cmd)
			}
			return nil
		}
		if ctx.Err() != nil {
			s.fail(cmd, attempt, fmt.Errorf("%w: %w", ErrWriteFailed, ctx.Err()))
			return ctx.Err()
		}
	}

	s.mu.Lock()
	s.stats.WriteFailures++
	s.mu.Unlock()

	s.fail(cmd, writeAttempts, fmt.Errorf("%w: %s: %w", ErrWriteFailed, binding.Name, err))
	if cmd.IgnoreError {
		return nil
	}
	return fmt.Errorf("%w: write %s: %w", ErrTransport, binding.Name, err)
}

func (s *Session) commandRead(ctx context.Context, binding Binding, char Characteristic, cmd CommandRequest) error {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Read)
	data, err := char.Read(rctx)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.stats.ReadFailures++
		s.mu.Unlock()
		s.fail(cmd, 1, fmt.Errorf("%w: read %s: %w", ErrTransport, binding.Name, err))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return nil
	}

	var value codec.Value
	if binding.Codec != nil {
		v, derr := binding.Codec.Decode(data)
		if derr != nil {
			s.logger.Warn("decoding command read",
				"device_id", s.cfg.DeviceID,
				"characteristic", binding.Name,
				"error", derr,
			)
		} else {
			value = v
		}
	}

	s.mu.Lock()
	s.stats.Reads++
	if value != nil {
		s.lastValues[binding.Name] = value
	}
	s.mu.Unlock()

	ev := s.event(binding, value, data, SourceCommand)
	ev.CommandID = cmd.ID
	ev.BatchID = cmd.BatchID
	s.sink.Emit(ev)
	return nil
}

func (s *Session) event(b Binding, value codec.Value, raw []byte, source string) ValueEvent {
	return ValueEvent{
		DeviceID:       s.cfg.DeviceID,
		Address:        s.cfg.Address,
		Characteristic: b.Name,
		UUID:           b.UUID,
		Value:          value,
		Raw:            raw,
		Timestamp:      time.Now(),
		Source:         source,
	}
}

func (s *Session) fail(cmd CommandRequest, attempts int, err error) {
	if cmd.IgnoreError {
		s.logger.Debug("ignoring command failure",
			"device_id", s.cfg.DeviceID,
			"command_id", cmd.ID,
			"error", err,
		)
	} else {
		s.logger.Warn("command failed",
			"device_id", s.cfg.DeviceID,
			"characteristic", cmd.Characteristic,
			"command_id", cmd.ID,
			"attempts", attempts,
			"error", err,
		)
	}
	s.sink.Report(DeliveryFailure{
		DeviceID:       s.cfg.DeviceID,
		Characteristic: cmd.Characteristic,
		CommandID:      cmd.ID,
		BatchID:        cmd.BatchID,
		Attempts:       attempts,
		Err:            err,
		Timestamp:      time.Now(),
	})
}

// drainCommands fails every queued command. Callers must have left Active
// first so Submit cannot refill the queue.
func (s *Session) drainCommands(reason error) {
	for {
		select {
		case cmd := <-s.commands:
			s.fail(cmd, 0, reason)
		default:
			return
		}
	}
}

func (s *Session) setState(to State) {
	s.mu.Lock()
	from := s.state
	if from == StateAbandoned && to != StateAbandoned {
		s.mu.Unlock()
		return
	}
	s.state = to
	if from != to {
		s.since = time.Now()
	}
	s.mu.Unlock()

	if s.onStateChange != nil {
		s.onStateChange(s.cfg.DeviceID, from, to)
	}
}

func (s *Session) isAbandoned() bool {
	select {
	case <-s.abandonCh:
		return true
	default:
		return false
	}
}
