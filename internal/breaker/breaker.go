// Package breaker implements per-target circuit breaking for upstream model
// tiers. A tripped target sheds calls for a cooldown period, then admits a
// single probe; the probe's outcome decides between closing and reopening.
package breaker

import (
	"sync"
	"time"
)

// State represents the current state of one target's breaker.
type State int

const (
	// Closed is the normal operating state: calls flow to the target.
	Closed State = iota
	// Open means the target has tripped: calls are shed until the cooldown elapses.
	Open
	// HalfOpen allows a single probe call through to test recovery.
	HalfOpen
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

const (
	defaultThreshold = 5
	defaultCooldown  = 60 * time.Second
)

// Breaker tracks consecutive failures for a single target and transitions
// between Closed, Open, and HalfOpen.
type Breaker struct {
	mu               sync.Mutex
	target           string
	state            State
	failureCount     int
	failureThreshold int
	cooldown         time.Duration
	lastTripped      time.Time
	onStateChange    func(target string, from, to State)

	// nowFunc is used for testing; defaults to time.Now.
	nowFunc func() time.Time
}

// Option configures a Breaker (and every breaker minted by a Registry).
type Option func(*Breaker)

// WithThreshold sets the number of consecutive failures required to trip the
// breaker from Closed to Open. The default is 5.
func WithThreshold(n int) Option {
	return func(b *Breaker) {
		if n > 0 {
			b.failureThreshold = n
		}
	}
}

// WithCooldown sets how long the breaker stays Open before admitting a probe.
// The default is 60 seconds.
func WithCooldown(d time.Duration) Option {
	return func(b *Breaker) {
		if d > 0 {
			b.cooldown = d
		}
	}
}

// WithOnStateChange registers a callback that fires on every state transition.
// The callback is invoked while the breaker's mutex is held, so it must not
// call back into the breaker.
func WithOnStateChange(fn func(target string, from, to State)) Option {
	return func(b *Breaker) {
		b.onStateChange = fn
	}
}

// WithNowFunc overrides the clock for tests.
func WithNowFunc(f func() time.Time) Option {
	return func(b *Breaker) {
		b.nowFunc = f
	}
}

// New creates a Breaker for target in the Closed state.
func New(target string, opts ...Option) *Breaker {
	b := &Breaker{
		target:           target,
		state:            Closed,
		failureThreshold: defaultThreshold,
		cooldown:         defaultCooldown,
		nowFunc:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Target returns the name this breaker guards.
func (b *Breaker) Target() string { return b.target }

// Allow reports whether the next call may proceed to the target.
//
// In Closed state it always returns true. In Open state it returns false until
// the cooldown has elapsed, then transitions to HalfOpen and returns true for
// a single probe. In HalfOpen state it returns false: one probe at a time,
// concurrent callers are shed as if the breaker were still open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.nowFunc().After(b.lastTripped.Add(b.cooldown)) {
			b.setState(HalfOpen)
			return true
		}
		return false
	case HalfOpen:
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call. A HalfOpen probe success closes
// the breaker; in Closed state it resets the consecutive failure counter.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	if b.state == HalfOpen {
		b.setState(Closed)
	}
}

// RecordFailure records a failed call. In Closed state it trips the breaker
// once the threshold is reached; a HalfOpen probe failure reopens immediately
// and restarts the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case Closed:
		if b.failureCount >= b.failureThreshold {
			b.setState(Open)
			b.lastTripped = b.nowFunc()
		}
	case HalfOpen:
		b.setState(Open)
		b.lastTripped = b.nowFunc()
	}
}

// CurrentState returns the breaker state. In Open state this does NOT check
// the cooldown timer; use Allow() for that.
func (b *Breaker) CurrentState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a point-in-time view of one breaker for the admin surface.
type Snapshot struct {
	Target       string    `json:"target"`
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastTripped  time.Time `json:"last_tripped,omitzero"`
}

// Snapshot returns the breaker's current externally-visible state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Target:       b.target,
		State:        b.state.String(),
		FailureCount: b.failureCount,
		LastTripped:  b.lastTripped,
	}
}

// setState transitions the breaker and fires the callback if registered.
// Caller must hold b.mu.
func (b *Breaker) setState(to State) {
	from := b.state
	b.state = to
	if b.onStateChange != nil && from != to {
		b.onStateChange(b.target, from, to)
	}
}
