// Package breaker implements the circuit breaker guarding calls into an
// external pub/sub broker: consecutive publish failures trip the
// circuit, publishes are refused for a cool-down period (surfacing as
// retryable errors instead of blocking the dispatch pipeline), then a
// half-open probe decides whether the broker has recovered.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrOpen is returned by Allow while the circuit is refusing calls.
var ErrOpen = errors.New("breaker: broker temporarily unavailable")

// State is the circuit's position.
type State int

const (
	// StateClosed passes every call through.
	StateClosed State = iota
	// StateOpen refuses calls until the cool-down elapses.
	StateOpen
	// StateHalfOpen lets probe calls through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes a Breaker.
type Config struct {
	// MaxFailures is the number of consecutive failures that trips the
	// circuit.
	MaxFailures int

	// CoolDown is how long the circuit stays open before allowing a
	// half-open probe.
	CoolDown time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close the circuit again.
	SuccessThreshold int

	// OnStateChange, if set, observes every transition.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the defaults the broker driver uses.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures:      5,
		CoolDown:         30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker is the circuit breaker. The surface is deliberately small:
// the broker driver calls Allow before each publish and reports the
// outcome with RecordSuccess/RecordError.
type Breaker struct {
	cfg   Config
	clock clockwork.Clock

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a Breaker using the real wall clock. A nil cfg uses
// DefaultConfig.
func New(cfg *Config) *Breaker {
	return NewWithClock(cfg, clockwork.NewRealClock())
}

// NewWithClock is New with an injected clock, so tests can step through
// the cool-down deterministically.
func NewWithClock(cfg *Config, clock clockwork.Clock) *Breaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Breaker{cfg: *cfg, clock: clock}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. While open, it returns
// ErrOpen until the cool-down elapses, at which point the circuit moves
// to half-open and the call becomes the recovery probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.clock.Since(b.openedAt) < b.cfg.CoolDown {
			return ErrOpen
		}
		b.transition(StateHalfOpen)
	}
	return nil
}

// RecordSuccess reports a successful call. Enough consecutive
// half-open successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transition(StateClosed)
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordError reports a failed call. MaxFailures consecutive failures
// trip a closed circuit; any half-open failure reopens it immediately.
func (b *Breaker) RecordError() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.MaxFailures {
			b.open()
		}
	case StateHalfOpen:
		b.successes = 0
		b.open()
	case StateOpen:
		b.openedAt = b.clock.Now()
	}
}

func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = b.clock.Now()
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}
