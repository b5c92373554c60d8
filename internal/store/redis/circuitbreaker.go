package redis

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned for calls rejected while the breaker
// refuses traffic.
var ErrCircuitOpen = errors.New("redis circuit open")

// State is the breaker position. The numeric value is exported as a
// gauge, so the order is part of the metrics contract.
type State int

const (
	StateClosed   State = iota // traffic flows
	StateOpen                  // tripped, calls rejected outright
	StateHalfOpen              // cooling off, a single probe allowed
)

var stateNames = [...]string{"closed", "open", "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// CircuitBreaker keeps a dead Redis from stalling the write path. After
// maxFailures consecutive errors it opens and fails fast for
// resetTimeout, then admits one probe: a successful probe closes the
// breaker, a failed one reopens it.
type CircuitBreaker struct {
	maxFailures  int
	resetTimeout time.Duration

	mu      sync.Mutex
	state   State
	streak  int       // consecutive failures
	retryAt time.Time // when an open breaker next admits a probe
	probing bool      // a half-open probe is in flight

	// OnStateChange, when set, observes every transition. Runs with the
	// breaker lock held; keep it cheap.
	OnStateChange func(from, to State)
}

// NewCircuitBreaker creates a breaker that opens after maxFailures
// consecutive errors and probes again after resetTimeout.
func NewCircuitBreaker(maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
	}
}

// Execute runs fn unless the breaker is open. While half-open only the
// probe call runs; concurrent callers get ErrCircuitOpen.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(probe, err)
	return err
}

// admit decides whether a call may proceed and whether it counts as the
// half-open probe.
func (cb *CircuitBreaker) admit() (probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Now().Before(cb.retryAt) {
			return false, ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true
		return true, nil

	case StateHalfOpen:
		// The lock is dropped around fn, so gate extra probes here.
		if cb.probing {
			return false, ErrCircuitOpen
		}
		cb.probing = true
		return true, nil

	default:
		return false, nil
	}
}

// settle records the outcome of an admitted call.
func (cb *CircuitBreaker) settle(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probing = false
	}
	if err != nil {
		cb.streak++
		if cb.state == StateHalfOpen || cb.streak >= cb.maxFailures {
			cb.transition(StateOpen)
		}
		return
	}
	cb.streak = 0
	if cb.state == StateHalfOpen {
		cb.transition(StateClosed)
	}
}

// CurrentState reports the breaker position.
func (cb *CircuitBreaker) CurrentState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	switch to {
	case StateOpen:
		cb.retryAt = time.Now().Add(cb.resetTimeout)
	case StateClosed:
		cb.streak = 0
	}
	if cb.OnStateChange != nil {
		cb.OnStateChange(from, to)
	}
}
