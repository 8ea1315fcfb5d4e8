package breaker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"
)

// Fixed configuration: 5 consecutive failures open the breaker, and an Open
// breaker allows a trial call after 30 seconds.
const (
	failureThreshold = 5
	cooldownPeriod   = 30 * time.Second
)

// ErrServiceUnavailable is returned without invoking the operation while the
// breaker is Open and the cooldown has not elapsed.
var ErrServiceUnavailable = errors.New("circuit breaker: service unavailable (open state)")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "OPEN"
	case stateHalfOpen:
		return "HALF-OPEN"
	default:
		return "CLOSED"
	}
}

// CircuitBreaker shields callers from a failing remote dependency. One
// instance guards one dependency for the process lifetime; construct it and
// inject it rather than reaching for a global.
//
// State is evaluated per call under a mutex, but the Open→HalfOpen boundary
// is not probe-exclusive: two concurrent calls arriving just after the
// cooldown may both be admitted as probes. The failure signal is advisory,
// so this race is accepted rather than locked away.
type CircuitBreaker struct {
	name string

	mu              sync.Mutex
	state           state
	failures        int
	lastFailureTime time.Time

	now func() time.Time // overridable in tests
}

func New(name string) *CircuitBreaker {
	return &CircuitBreaker{name: name, now: time.Now}
}

// Execute runs op through the breaker. Any error from op counts as a
// failure; there are no partial-success semantics.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	cb.mu.Lock()
	if cb.state == stateOpen {
		if cb.now().Sub(cb.lastFailureTime) > cooldownPeriod {
			log.Printf("CircuitBreaker[%s]: cooldown passed, entering HALF-OPEN state", cb.name)
			cb.state = stateHalfOpen
		} else {
			cb.mu.Unlock()
			return ErrServiceUnavailable
		}
	}
	wasHalfOpen := cb.state == stateHalfOpen
	cb.mu.Unlock()

	err := op(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.recordFailure()
		return err
	}

	if wasHalfOpen {
		cb.reset()
	} else {
		// Failures count consecutively; any success clears the streak.
		cb.failures = 0
	}
	return nil
}

// recordFailure must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure() {
	cb.failures++
	cb.lastFailureTime = cb.now()
	log.Printf("CircuitBreaker[%s]: failure recorded (%d/%d)", cb.name, cb.failures, failureThreshold)

	if cb.failures >= failureThreshold {
		cb.state = stateOpen
		log.Printf("CircuitBreaker[%s]: threshold reached, state changed to OPEN", cb.name)
	}
}

// reset must be called with cb.mu held.
func (cb *CircuitBreaker) reset() {
	cb.failures = 0
	cb.state = stateClosed
	log.Printf("CircuitBreaker[%s]: recovered, state changed to CLOSED", cb.name)
}
