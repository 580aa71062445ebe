package breaker

import (
	"errors"
	"sync"
	"time"

	"fedplane/internal/model"
)

var (
	// ErrOpen is returned while the breaker is open and cooling down
	ErrOpen = errors.New("circuit breaker is open")
	// ErrProbeInFlight is returned when the single half-open probe slot is taken
	ErrProbeInFlight = errors.New("half-open probe already in flight")
)

// Breaker is the failure-aware gate for one link. Callers ask Allow before
// any live call to the partner and Record the outcome. An open breaker
// never revokes anything: unavailability is not distrust.
type Breaker struct {
	mu                  sync.Mutex
	state               model.BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	nextProbeAt         time.Time
	probeInFlight       bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New creates a breaker in CLOSED state
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     model.BreakerStateClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a live call to the partner may be attempted.
// In OPEN state it lets exactly one probe through once the cool-down has
// elapsed, moving to HALF_OPEN.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerStateClosed:
		return nil
	case model.BreakerStateOpen:
		if b.now().Before(b.nextProbeAt) {
			return ErrOpen
		}
		b.state = model.BreakerStateHalfOpen
		b.probeInFlight = true
		return nil
	case model.BreakerStateHalfOpen:
		if b.probeInFlight {
			return ErrProbeInFlight
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// Record feeds one sample outcome into the state machine
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerStateClosed:
		if success {
			b.consecutiveFailures = 0
			return
		}
		b.consecutiveFailures++
		b.lastFailureAt = b.now()
		if b.consecutiveFailures >= b.threshold {
			b.trip()
		}
	case model.BreakerStateHalfOpen:
		b.probeInFlight = false
		if success {
			b.state = model.BreakerStateClosed
			b.consecutiveFailures = 0
			b.nextProbeAt = time.Time{}
			return
		}
		b.lastFailureAt = b.now()
		b.trip()
	case model.BreakerStateOpen:
		// A failure reported while already open (e.g. a heartbeat gap)
		// just pushes the failure clock forward.
		if !success {
			b.lastFailureAt = b.now()
			return
		}
		// Heartbeat-fed links have no prober calling Allow, so a healthy
		// sample after the cool-down is the half-open probe. Before the
		// cool-down elapses it is ignored.
		if b.now().Before(b.nextProbeAt) {
			return
		}
		b.state = model.BreakerStateClosed
		b.consecutiveFailures = 0
		b.probeInFlight = false
		b.nextProbeAt = time.Time{}
	}
}

// trip moves to OPEN and schedules the next probe. Caller holds the lock.
func (b *Breaker) trip() {
	b.state = model.BreakerStateOpen
	b.probeInFlight = false
	b.nextProbeAt = b.now().Add(b.cooldown)
}

// State returns the current state
func (b *Breaker) State() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the persistable view of the breaker
func (b *Breaker) Snapshot() model.CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := model.CircuitBreakerState{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
	}
	if !b.lastFailureAt.IsZero() {
		at := b.lastFailureAt
		snap.LastFailureAt = &at
	}
	if !b.nextProbeAt.IsZero() {
		at := b.nextProbeAt
		snap.NextProbeAt = &at
	}
	return snap
}
