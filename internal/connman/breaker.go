package connman

import (
	"sync"
	"time"
)

// BreakerState is the circuit state for one endpoint.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker is the per-endpoint circuit breaker. Transitions:
//
//	Closed   --failure_threshold consecutive failures--> Open
//	Open     --reset_timeout elapsed-->                  HalfOpen
//	HalfOpen --success_threshold consecutive successes-> Closed
//	HalfOpen --any failure-->                            Open
//
// No other transitions change state. An auth failure latches the
// breaker open permanently until config changes (process restart).
type Breaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration

	state                BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastFailureAt        time.Time
	cause                string
	permanent            bool
}

// NewBreaker creates a Closed breaker with the given thresholds.
func NewBreaker(failureThreshold, successThreshold int, resetTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
	}
}

// Allow reports whether a connection attempt may proceed at now. An
// Open breaker whose reset timeout has elapsed moves to HalfOpen and
// admits exactly this attempt.
func (b *Breaker) Allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.permanent {
		return false
	}

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if now.Sub(b.lastFailureAt) >= b.resetTimeout {
			b.state = StateHalfOpen
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes one successful connect or keepalive.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen && b.consecutiveSuccesses >= b.successThreshold {
		b.state = StateClosed
		b.cause = ""
	}
}

// RecordFailure notes one failed connect or a session-fatal error.
func (b *Breaker) RecordFailure(now time.Time, cause string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++
	b.cause = cause

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.failureThreshold {
			b.state = StateOpen
			b.lastFailureAt = now
		}
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.state = StateOpen
		b.lastFailureAt = now
	case StateOpen:
		b.lastFailureAt = now
	}
}

// Latch forces the breaker open permanently with the given cause.
// Used for authentication failures, which no retry can fix.
func (b *Breaker) Latch(now time.Time, cause string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateOpen
	b.lastFailureAt = now
	b.cause = cause
	b.permanent = true
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot is a read-only view for the status API.
type Snapshot struct {
	State                string    `json:"state"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastFailureAt        time.Time `json:"last_failure_at,omitempty"`
	Cause                string    `json:"cause,omitempty"`
}

// Snapshot returns the breaker's counters for observability.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:                b.state.String(),
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastFailureAt:        b.lastFailureAt,
		Cause:                b.cause,
	}
}
