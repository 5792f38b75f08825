package payout

import (
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker's position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig parameterises one route's circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 5 * time.Minute
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

// BreakerSnapshot is a point-in-time view for stats and monitoring.
type BreakerSnapshot struct {
	State       BreakerState
	Failures    int
	Successes   int
	LastFailure time.Time
	OpenedAt    time.Time
}

// breaker tracks consecutive downstream failures for one route. Closed counts
// failures toward the threshold; open fails fast until the recovery timeout
// elapses; half-open admits probes and closes again only after enough
// consecutive successes.
type breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	openedAt    time.Time
	now         func() time.Time
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	return &breaker{
		cfg:   cfg.withDefaults(),
		state: BreakerClosed,
		now:   now,
	}
}

// Allow reports whether a dispatch may proceed, flipping open to half-open
// once the recovery timeout has elapsed.
func (b *breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickLocked()
	if b.state == BreakerOpen {
		return fmt.Errorf("%w: breaker open until %s", ErrRouteUnavailable,
			b.openedAt.Add(b.cfg.RecoveryTimeout).UTC().Format(time.RFC3339))
	}
	return nil
}

// RecordSuccess notes a successful dispatch.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	case BreakerClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed dispatch. Any failure while half-open reopens
// the breaker immediately.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastFailure = now
	switch b.state {
	case BreakerHalfOpen:
		b.trip(now)
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

// Tick advances the open-to-half-open timer without admitting a dispatch. The
// monitor loop calls this so the transition is not delayed until the next
// Allow.
func (b *breaker) Tick() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickLocked()
}

// Snapshot returns the current breaker view.
func (b *breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickLocked()
	return BreakerSnapshot{
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		OpenedAt:    b.openedAt,
	}
}

// StateCode maps the state onto the metrics gauge encoding.
func (b *breaker) StateCode() int {
	switch b.Snapshot().State {
	case BreakerOpen:
		return 2
	case BreakerHalfOpen:
		return 1
	default:
		return 0
	}
}

func (b *breaker) trip(now time.Time) {
	b.state = BreakerOpen
	b.openedAt = now
	b.successes = 0
}

func (b *breaker) tickLocked() {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
}
