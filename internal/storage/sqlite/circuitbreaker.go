package sqlite

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mistakeknot/interlock/internal/core"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	StateClosed   BreakerState = 0
	StateOpen     BreakerState = 1
	StateHalfOpen BreakerState = 2
)

// String returns the string representation of the breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting
// requests. It matches core.ErrStorageUnavailable.
var ErrCircuitOpen = fmt.Errorf("%w: circuit breaker is open", core.ErrStorageUnavailable)

// CircuitBreaker implements a 3-state circuit breaker pattern for SQLite resilience.
// States: CLOSED (normal) -> OPEN (failing) -> HALF_OPEN (probing) -> CLOSED.
type CircuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	threshold    int
	resetTimeout time.Duration
	lastFailure  time.Time
	nowFunc      func() time.Time // for testing
	onChange     func(BreakerState)
}

// NewCircuitBreaker creates a circuit breaker with the given threshold and reset timeout.
func NewCircuitBreaker(threshold int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold:    threshold,
		resetTimeout: resetTimeout,
		nowFunc:      time.Now,
	}
}

// OnStateChange registers fn to be called (outside the breaker lock) after
// every state transition.
func (cb *CircuitBreaker) OnStateChange(fn func(BreakerState)) {
	cb.mu.Lock()
	cb.onChange = fn
	cb.mu.Unlock()
}

// setState must be called with cb.mu held. It returns the hook to fire once
// the lock is released, or nil when nothing changed.
func (cb *CircuitBreaker) setState(s BreakerState) func() {
	if cb.state == s {
		return nil
	}
	from := cb.state
	cb.state = s
	hook := cb.onChange
	return func() {
		ev := log.Info()
		if s == StateOpen {
			ev = log.Warn()
		}
		ev.Str("from", from.String()).Str("to", s.String()).Msg("sqlite circuit breaker")
		if hook != nil {
			hook(s)
		}
	}
}

func fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// Execute runs fn through the circuit breaker. Returns ErrCircuitOpen if the
// breaker is open and the reset timeout hasn't elapsed.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		err := fn()
		cb.mu.Lock()
		var changed func()
		if err != nil && !isCallerError(err) {
			cb.failures++
			if cb.failures >= cb.threshold {
				changed = cb.setState(StateOpen)
				cb.lastFailure = cb.nowFunc()
			}
		} else {
			cb.failures = 0
		}
		cb.mu.Unlock()
		fire(changed)
		return err

	case StateOpen:
		if cb.nowFunc().Sub(cb.lastFailure) >= cb.resetTimeout {
			// one probe per reset cycle
			probe := cb.setState(StateHalfOpen)
			cb.mu.Unlock()
			fire(probe)
			err := fn()
			cb.mu.Lock()
			var changed func()
			if err != nil && !isCallerError(err) {
				changed = cb.setState(StateOpen)
				cb.lastFailure = cb.nowFunc()
			} else {
				changed = cb.setState(StateClosed)
				cb.failures = 0
			}
			cb.mu.Unlock()
			fire(changed)
			return err
		}
		cb.mu.Unlock()
		return ErrCircuitOpen

	default:
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
