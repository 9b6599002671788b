// Package breaker implements a per-service-key circuit breaker. A breaker
// moves between closed, open, and half-open; the half-open to closed
// transition requires a successful probe, never a timer.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	// Closed allows all executions.
	Closed State = "closed"
	// Open refuses executions until the recovery timeout elapses.
	Open State = "open"
	// HalfOpen allows a bounded number of probe executions.
	HalfOpen State = "half_open"
)

type (
	// Settings tunes breaker behavior.
	Settings struct {
		// FailureThreshold is the consecutive-failure count that opens the
		// breaker.
		FailureThreshold int
		// RecoveryTimeout is how long the breaker stays open before allowing
		// probes.
		RecoveryTimeout time.Duration
		// HalfOpenMaxAttempts bounds probe executions while half-open.
		HalfOpenMaxAttempts int
	}

	// Breaker is a single circuit breaker. All methods are safe for
	// concurrent use; counters never lose updates.
	Breaker struct {
		mu sync.Mutex

		settings Settings
		state    State

		failures         int
		lastFailure      time.Time
		halfOpenAttempts int

		now func() time.Time
	}

	// Manager holds one breaker per service key.
	Manager struct {
		mu       sync.Mutex
		breakers map[string]*Breaker
		settings Settings
		now      func() time.Time
	}

	// Option configures a Breaker or Manager.
	Option func(*options)

	options struct {
		settings Settings
		now      func() time.Time
	}
)

// DefaultSettings returns the standard breaker tuning: 5 failures to open,
// 60 second recovery, 3 half-open probes.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// WithSettings overrides the default settings.
func WithSettings(s Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{settings: DefaultSettings(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.settings.FailureThreshold <= 0 {
		o.settings.FailureThreshold = 5
	}
	if o.settings.RecoveryTimeout <= 0 {
		o.settings.RecoveryTimeout = 60 * time.Second
	}
	if o.settings.HalfOpenMaxAttempts <= 0 {
		o.settings.HalfOpenMaxAttempts = 3
	}
	return o
}

// New constructs a closed Breaker.
func New(opts ...Option) *Breaker {
	o := buildOptions(opts)
	return &Breaker{settings: o.settings, state: Closed, now: o.now}
}

// NewManager constructs a Manager whose breakers share the given options.
func NewManager(opts ...Option) *Manager {
	o := buildOptions(opts)
	return &Manager{
		breakers: make(map[string]*Breaker),
		settings: o.settings,
		now:      o.now,
	}
}

// For returns the breaker for the service key, creating it on first use.
func (m *Manager) For(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key]
	if !ok {
		b = &Breaker{settings: m.settings, state: Closed, now: m.now}
		m.breakers[key] = b
	}
	return b
}

// States returns a snapshot of every known breaker state.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]State, len(m.breakers))
	for k, b := range m.breakers {
		out[k] = b.State()
	}
	return out
}

// CanExecute reports whether an execution is allowed right now. An open
// breaker whose recovery timeout has elapsed transitions to half-open with
// its probe counter reset; each allowed half-open execution consumes one
// probe permit.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.lastFailure) > b.settings.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenAttempts = 1
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenAttempts < b.settings.HalfOpenMaxAttempts {
			b.halfOpenAttempts++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess registers a successful execution. In the closed state the
// failure counter decrements (floor zero); in half-open the breaker closes
// and all counters reset.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		if b.failures > 0 {
			b.failures--
		}
	case HalfOpen:
		b.state = Closed
		b.failures = 0
		b.halfOpenAttempts = 0
	}
}

// RecordFailure registers a failed execution. In the closed state the
// failure counter increments and opens the breaker at the threshold; in
// half-open the breaker re-opens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.settings.FailureThreshold {
			b.state = Open
			b.lastFailure = b.now()
		}
	case HalfOpen:
		b.state = Open
		b.lastFailure = b.now()
	case Open:
		b.lastFailure = b.now()
	}
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive-failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
