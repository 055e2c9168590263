package safety

import "time"

// BreakerState is the three-state circuit breaker machine, generalized
// from scheduler.CircuitBreaker (admission-control breaker) to gate
// outbound MQTT publishes on consecutive failure count instead of queue
// depth/saturation.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (b BreakerState) String() string {
	switch b {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker fails fast for a cooldown window once consecutive publish
// failures cross threshold, avoiding retry storms against a down broker.
type Breaker struct {
	state     BreakerState
	threshold int
	cooldown  time.Duration

	failures  int
	openedAt  time.Time
	testCount int
	testLimit int
}

// NewBreaker constructs a closed breaker with production-shaped defaults:
// one probe publish per half-open window.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		testLimit: 1,
	}
}

// Allow reports whether a publish attempt should proceed, transitioning
// open -> half-open once the cooldown has elapsed. Not safe for
// concurrent use directly; callers hold the enclosing State's mutex.
func (b *Breaker) Allow() bool {
	if b.state == BreakerOpen {
		if time.Since(b.openedAt) > b.cooldown {
			b.state = BreakerHalfOpen
			b.testCount = 0
			return true
		}
		return false
	}
	if b.state == BreakerHalfOpen {
		return b.testCount < b.testLimit
	}
	return true
}

// RecordFailure notes a publish failure. In closed state it accumulates
// toward threshold; in half-open state a single failure re-opens.
func (b *Breaker) RecordFailure() {
	switch b.state {
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.testCount = 0
		b.failures = 0
	default:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.failures = 0
		}
	}
}

// RecordSuccess notes a publish success. In half-open state, enough
// successful probes close the breaker; elsewhere it resets the failure
// counter.
func (b *Breaker) RecordSuccess() {
	switch b.state {
	case BreakerHalfOpen:
		b.testCount++
		if b.testCount >= b.testLimit {
			b.state = BreakerClosed
			b.failures = 0
		}
	default:
		b.failures = 0
	}
}

// Close forces the breaker closed, used when the safety state records a
// fully successful control cycle.
func (b *Breaker) Close() {
	b.state = BreakerClosed
	b.failures = 0
	b.testCount = 0
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	return b.state
}
