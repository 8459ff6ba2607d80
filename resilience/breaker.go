// Package resilience holds the failure-handling helpers shared by the cache
// backends and the daemon client.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// Cooldown is how long the circuit stays open before a trial call is let through.
	Cooldown time.Duration
	// OnStateChange, if set, is called with the lock released.
	OnStateChange func(from, to State)
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures: 5,
		Cooldown:    30 * time.Second,
	}
}

// CircuitBreaker short-circuits calls to a dependency that keeps failing. In
// the half-open state exactly one trial call runs; its outcome closes or
// re-opens the circuit.
type CircuitBreaker struct {
	config BreakerConfig
	now    func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	trial    bool
}

func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 1
	}
	return &CircuitBreaker{config: config, now: time.Now}
}

// State returns the current state, promoting Open to HalfOpen once the
// cooldown has elapsed.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.config.Cooldown {
		return StateHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) allow() (bool, func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true, nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
			return false, nil
		}
		cb.state = StateHalfOpen
		cb.trial = true
		return true, cb.transition(StateOpen, StateHalfOpen)
	default:
		if cb.trial {
			return false, nil
		}
		cb.trial = true
		return true, nil
	}
}

func (cb *CircuitBreaker) transition(from, to State) func(from, to State) {
	if cb.config.OnStateChange == nil || from == to {
		return nil
	}
	return cb.config.OnStateChange
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	from := cb.state
	cb.trial = false
	if err == nil {
		cb.failures = 0
		cb.state = StateClosed
	} else {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.config.MaxFailures {
			cb.state = StateOpen
			cb.openedAt = cb.now()
		}
	}
	to := cb.state
	notify := cb.transition(from, to)
	cb.mu.Unlock()
	if notify != nil {
		notify(from, to)
	}
}

// Execute runs fn unless the circuit is open. Context cancellation is not
// counted as a failure of the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ok, notify := cb.allow()
	if notify != nil {
		notify(StateOpen, StateHalfOpen)
	}
	if !ok {
		return ErrCircuitOpen
	}
	err := fn(ctx)
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && ctx.Err() != nil {
		cb.mu.Lock()
		cb.trial = false
		cb.mu.Unlock()
		return err
	}
	cb.record(err)
	return err
}

// Reset closes the circuit and clears the failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.trial = false
}
