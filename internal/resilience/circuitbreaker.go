// Package resilience provides circuit breaker and provider failover primitives
// for the speech and chat backends.
//
// [CircuitBreaker] is a three-state breaker (closed, open, half-open).
// [FallbackGroup] composes several instances of one provider type, each behind
// its own breaker, so that a failing TTS server is bypassed in favour of the
// next configured one. Cancelled calls (a barge-in stopping synthesis) are
// neither successes nor failures.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the reset timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state: all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the reset timeout. A limited
	// number of calls are allowed through; if they succeed the breaker closes,
	// otherwise it re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name is a human-readable label used in log messages.
	Name string

	// MaxFailures is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before transitioning to
	// half-open. Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the maximum number of probe calls allowed in the half-open
	// state before the breaker decides whether to close or re-open. Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// CircuitBreaker implements the three-state circuit breaker pattern.
//
// Every state change starts a new generation. A call that was admitted in an
// earlier generation does not count towards the current one, so a slow
// request that finishes after the breaker tripped cannot close it again.
type CircuitBreaker struct {
	cfg CircuitBreakerConfig
	log *slog.Logger
	now func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	failures   int // consecutive, closed state only
	probes     int // admitted in the current half-open generation
	passed     int // successful probes
	openedAt   time.Time
}

type transition struct{ from, to State }

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		cfg: cfg,
		log: logger(cfg.Logger).With("breaker", cfg.Name),
		now: time.Now,
	}
}

// Neutral reports whether err says nothing about the backend's health.
func Neutral(err error) bool {
	return errors.Is(err, context.Canceled)
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn. In the half-open state at most
// HalfOpenMax probe calls are admitted. Errors for which [Neutral] is true are
// returned without being counted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	gen, err := cb.admit()
	if err != nil {
		return err
	}
	err = fn()
	cb.settle(gen, err)
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	var changes []transition
	cb.expire(&changes)
	gen := cb.generation
	var err error
	switch {
	case cb.state == StateOpen:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen && cb.probes >= cb.cfg.HalfOpenMax:
		err = ErrCircuitOpen
	case cb.state == StateHalfOpen:
		cb.probes++
	}
	cb.mu.Unlock()
	cb.notify(changes)
	return gen, err
}

func (cb *CircuitBreaker) settle(gen uint64, err error) {
	cb.mu.Lock()
	var changes []transition
	if gen == cb.generation {
		switch {
		case Neutral(err):
			if cb.state == StateHalfOpen {
				cb.probes--
			}
		case err == nil && cb.state == StateHalfOpen:
			cb.passed++
			if cb.passed >= cb.cfg.HalfOpenMax {
				cb.set(StateClosed, &changes)
			}
		case err == nil:
			cb.failures = 0
		case cb.state == StateHalfOpen:
			cb.set(StateOpen, &changes)
		default:
			cb.failures++
			if cb.failures >= cb.cfg.MaxFailures {
				cb.set(StateOpen, &changes)
			}
		}
	}
	cb.mu.Unlock()
	cb.notify(changes)
}

// expire moves an open breaker whose reset timeout has elapsed to half-open.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) expire(changes *[]transition) {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.set(StateHalfOpen, changes)
	}
}

// set switches state and starts a new generation. Must be called with cb.mu
// held.
func (cb *CircuitBreaker) set(to State, changes *[]transition) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.generation++
	cb.failures, cb.probes, cb.passed = 0, 0, 0
	switch to {
	case StateOpen:
		cb.openedAt = cb.now()
		cb.log.Warn("circuit breaker opened", "from", from)
	case StateHalfOpen:
		cb.log.Info("circuit breaker half-open, probing")
	case StateClosed:
		cb.log.Info("circuit breaker closed", "from", from)
	}
	*changes = append(*changes, transition{from, to})
}

// notify runs OnStateChange outside the lock.
func (cb *CircuitBreaker) notify(changes []transition) {
	if cb.cfg.OnStateChange == nil {
		return
	}
	for _, c := range changes {
		cb.cfg.OnStateChange(cb.cfg.Name, c.from, c.to)
	}
}

// State returns the current [State], moving an expired open breaker to
// half-open first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	var changes []transition
	cb.expire(&changes)
	s := cb.state
	cb.mu.Unlock()
	cb.notify(changes)
	return s
}

// Reset forces the breaker back to [StateClosed].
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	var changes []transition
	cb.set(StateClosed, &changes)
	cb.failures = 0
	cb.mu.Unlock()
	cb.notify(changes)
}
