package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed wraps the last provider error once every entry of a
// [FallbackGroup] has failed or been skipped.
var ErrAllFailed = errors.New("all providers failed")

// ErrEmptyStream means a provider closed its stream without sending a value.
var ErrEmptyStream = errors.New("stream closed before first value")

// FallbackConfig holds the breaker settings applied to every entry of a
// [FallbackGroup]. CircuitBreaker.Name is overwritten per entry.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup is an ordered failover chain of providers of one kind, each
// behind its own [CircuitBreaker]. It is safe for concurrent use once all
// fallbacks have been added.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
	log     *slog.Logger
}

// NewFallbackGroup starts a chain with primary.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg, log: logger(cfg.CircuitBreaker.Logger)}
	fg.AddFallback(primaryName, primary)
	return fg
}

func logger(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// AddFallback appends v to the end of the chain.
func (fg *FallbackGroup[T]) AddFallback(name string, v T) {
	bc := fg.cfg.CircuitBreaker
	bc.Name = name
	fg.members = append(fg.members, member[T]{name: name, value: v, breaker: NewCircuitBreaker(bc)})
}

// Execute is [ExecuteWithResult] for calls without a result.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) { return struct{}{}, fn(v) })
	return err
}

// ExecuteWithResult runs fn on each member in order and returns the first
// success. Members with an open breaker are skipped. A [Neutral] error stops
// the walk and is returned unwrapped; otherwise the last error comes back
// wrapped in [ErrAllFailed].
func ExecuteWithResult[T, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for _, m := range fg.members {
		var out R
		err := m.breaker.Execute(func() (err error) {
			out, err = fn(m.value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if Neutral(err) {
			var zero R
			return zero, err
		}
		if errors.Is(err, ErrCircuitOpen) {
			fg.log.Debug("provider skipped, circuit open", "provider", m.name)
		} else {
			fg.log.Warn("provider failed, failing over", "provider", m.name, "err", err)
		}
		lastErr = err
	}
	var zero R
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}

// Primary returns the first member's value.
func (fg *FallbackGroup[T]) Primary() T {
	return fg.members[0].value
}

// Names lists member names in failover order.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, 0, len(fg.members))
	for _, m := range fg.members {
		names = append(names, m.name)
	}
	return names
}

// Healthy returns nil when at least one entry's breaker is not open.
func (fg *FallbackGroup[T]) Healthy() error {
	for i := range fg.members {
		if fg.members[i].breaker.State() != StateOpen {
			return nil
		}
	}
	return fmt.Errorf("%w: every circuit breaker is open", ErrAllFailed)
}

// openStream waits for the first value of a freshly opened stream so that a
// backend which accepts the request but never produces output still counts
// as a failure for failover. check, when non-nil, may reject the first value.
//
// The returned channel replays the first value followed by the rest of in.
// It is closed when in closes or ctx ends; in is drained in the latter case.
func openStream[V any](ctx context.Context, in <-chan V, check func(V) error) (<-chan V, error) {
	var first V
	select {
	case v, ok := <-in:
		if !ok {
			return nil, ErrEmptyStream
		}
		first = v
	case <-ctx.Done():
		go drain(in)
		return nil, ctx.Err()
	}
	if check != nil {
		if err := check(first); err != nil {
			go drain(in)
			return nil, err
		}
	}

	out := make(chan V, 1)
	out <- first
	go func() {
		defer close(out)
		for v := range in {
			select {
			case out <- v:
			case <-ctx.Done():
				drain(in)
				return
			}
		}
	}()
	return out, nil
}

func drain[V any](ch <-chan V) {
	for range ch {
	}
}
