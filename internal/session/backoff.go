package session

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Reconnect backoff defaults.
const (
	DefaultBaseDelay = 1 * time.Second
	DefaultMaxDelay  = 60 * time.Second
	DefaultJitter    = 0.25

	// maxExponent caps 2^retry so the float product cannot overflow.
	maxExponent = 30
)

// BackoffConfig configures reconnect delays.
type BackoffConfig struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Backoff computes exponential reconnect delays with jitter. Unlike a
// stateful iterator, the delay is a function of the session's retry count,
// so a reset of the count resets the delay.
type Backoff struct {
	mu     sync.Mutex
	base   time.Duration
	max    time.Duration
	jitter float64
	rng    *rand.Rand
}

// NewBackoff creates a backoff calculator, applying defaults for zero fields.
func NewBackoff(cfg BackoffConfig) *Backoff {
	if cfg.Base <= 0 {
		cfg.Base = DefaultBaseDelay
	}
	if cfg.Max <= 0 {
		cfg.Max = DefaultMaxDelay
	}
	if cfg.Max < cfg.Base {
		cfg.Max = cfg.Base
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Jitter > 1 {
		cfg.Jitter = 1
	}
	return &Backoff{
		base:   cfg.Base,
		max:    cfg.Max,
		jitter: cfg.Jitter,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter only
	}
}

// BaseDelay returns min(max, base*2^retry) without jitter.
// The sequence is non-decreasing in retry and never exceeds max.
func (b *Backoff) BaseDelay(retry int) time.Duration {
	if retry < 0 {
		retry = 0
	}
	if retry > maxExponent {
		retry = maxExponent
	}
	d := float64(b.base) * math.Pow(2, float64(retry))
	if d >= float64(b.max) {
		return b.max
	}
	return time.Duration(d)
}

// Delay returns BaseDelay(retry) with up to ±jitter applied, clamped to
// [0, max].
func (b *Backoff) Delay(retry int) time.Duration {
	d := b.BaseDelay(retry)
	if b.jitter == 0 {
		return d
	}

	b.mu.Lock()
	f := b.rng.Float64()*2 - 1
	b.mu.Unlock()

	j := time.Duration(float64(d) * b.jitter * f)
	d += j
	if d < 0 {
		d = 0
	}
	if d > b.max {
		d = b.max
	}
	return d
}

// Max returns the delay ceiling.
func (b *Backoff) Max() time.Duration {
	return b.max
}
