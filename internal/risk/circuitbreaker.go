package risk

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's position. The risk gate and the
// venue adapters need the same Open/HalfOpen/Closed shape, so
// CircuitBreaker is shared between this package and internal/venue.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreaker trips to Open after N consecutive failures (or an
// explicit manual trip), transitions to HalfOpen after a cool-down, and
// returns to Closed on the next success.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration

	consecutiveFailures int
	state               BreakerState
	openUntil           time.Time
	reason              string

	nowFunc func() time.Time
}

// NewCircuitBreaker constructs a breaker that trips after `threshold`
// consecutive failures and cools down for `cooldown` before probing again.
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, nowFunc: time.Now}
}

// RecordFailure registers a failed operation; trips the breaker once
// consecutiveFailures reaches threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures++
	if b.consecutiveFailures >= b.threshold && b.state == Closed {
		b.trip("consecutive failure threshold reached")
	}
}

// RecordSuccess clears the failure count; in HalfOpen, a success closes
// the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFailures = 0
	if b.state == HalfOpen {
		b.state = Closed
		b.reason = ""
	}
}

// TripManual trips the breaker regardless of the failure count, e.g. from
// an operator command.
func (b *CircuitBreaker) TripManual(reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trip(reason)
}

func (b *CircuitBreaker) trip(reason string) {
	b.state = Open
	b.reason = reason
	b.openUntil = b.nowFunc().Add(b.cooldown)
}

// Reset clears the breaker back to Closed. Only an explicit reset (or a
// HalfOpen success) closes a tripped breaker; it never times out on its own.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.reason = ""
}

// State returns the current state, transitioning Open->HalfOpen once the
// cool-down has elapsed.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.nowFunc().After(b.openUntil) {
		b.state = HalfOpen
	}
	return b.state
}

// Reason returns the explanation attached to the last trip.
func (b *CircuitBreaker) Reason() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reason
}
