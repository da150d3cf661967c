package resilience

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

var errUnavailable = errors.New("tts server unavailable")

// step is one call made against a breaker in a scripted test.
type step int

const (
	stepOK     step = iota // fn succeeds
	stepFail               // fn fails
	stepCancel             // fn returns a cancellation
	stepWait               // sleep past the reset timeout
)

// clock is a manually advanced time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// newTestBreaker returns a breaker driven by a fake clock.
func newTestBreaker(cfg CircuitBreakerConfig) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker(cfg)
	cb.now = c.Now
	return cb, c
}

func (s step) run(cb *CircuitBreaker, c *clock) error {
	switch s {
	case stepWait:
		c.Advance(cb.cfg.ResetTimeout)
		return nil
	case stepFail:
		return cb.Execute(func() error { return errUnavailable })
	case stepCancel:
		return cb.Execute(func() error { return fmt.Errorf("synthesize: %w", context.Canceled) })
	default:
		return cb.Execute(func() error { return nil })
	}
}

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		steps []step
		want  State
	}{
		{"fresh", nil, StateClosed},
		{"below threshold", []step{stepFail, stepFail}, StateClosed},
		{"trips at threshold", []step{stepFail, stepFail, stepFail}, StateOpen},
		{"success resets the count", []step{stepFail, stepFail, stepOK, stepFail, stepFail}, StateClosed},
		{"cancellations are not counted", []step{stepFail, stepFail, stepCancel, stepCancel, stepCancel}, StateClosed},
		{"half-open after timeout", []step{stepFail, stepFail, stepFail, stepWait}, StateHalfOpen},
		{"probes close it", []step{stepFail, stepFail, stepFail, stepWait, stepOK, stepOK}, StateClosed},
		{"one probe is not enough", []step{stepFail, stepFail, stepFail, stepWait, stepOK}, StateHalfOpen},
		{"failed probe re-opens", []step{stepFail, stepFail, stepFail, stepWait, stepOK, stepFail}, StateOpen},
		{"cancelled probe keeps half-open", []step{stepFail, stepFail, stepFail, stepWait, stepCancel, stepOK, stepOK}, StateClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cb, c := newTestBreaker(CircuitBreakerConfig{
				Name:         "kokoro",
				MaxFailures:  3,
				ResetTimeout: time.Minute,
				HalfOpenMax:  2,
			})
			for _, s := range tt.steps {
				_ = s.run(cb, c)
			}
			if got := cb.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCircuitBreaker_OpenRejectsWithoutCalling(t *testing.T) {
	t.Parallel()

	cb, c := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = stepFail.run(cb, c)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Error("open breaker forwarded the call")
	}

	cb.Reset()
	if err := stepOK.run(cb, c); err != nil {
		t.Fatalf("after Reset: %v", err)
	}
}

func TestCircuitBreaker_CancellationPassesThrough(t *testing.T) {
	t.Parallel()

	cb, c := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1})
	if err := stepCancel.run(cb, c); !errors.Is(err, context.Canceled) || !Neutral(err) {
		t.Fatalf("err = %v, want a neutral context.Canceled", err)
	}
	if Neutral(errUnavailable) || Neutral(context.DeadlineExceeded) {
		t.Error("only cancellation is neutral; a timed-out backend counts as failed")
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()

	cfg := NewCircuitBreaker(CircuitBreakerConfig{}).cfg
	if cfg.MaxFailures != 5 || cfg.ResetTimeout != 30*time.Second || cfg.HalfOpenMax != 3 {
		t.Errorf("defaults = (%d, %v, %d), want (5, 30s, 3)", cfg.MaxFailures, cfg.ResetTimeout, cfg.HalfOpenMax)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var transitions []string
	cb, c := newTestBreaker(CircuitBreakerConfig{
		Name:         "openai",
		MaxFailures:  1,
		ResetTimeout: time.Minute,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, fmt.Sprintf("%s:%v->%v", name, from, to))
		},
	})

	for _, s := range []step{stepFail, stepWait, stepOK, stepFail} {
		_ = s.run(cb, c)
	}
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"openai:closed->open",
		"openai:open->half-open",
		"openai:half-open->closed",
		"openai:closed->open",
		"openai:open->closed",
	}
	if !slices.Equal(transitions, want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
}

func TestCircuitBreaker_StaleResultIgnored(t *testing.T) {
	t.Parallel()

	cb, c := newTestBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenMax: 1})
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Execute(func() error {
			close(started)
			<-release
			return errUnavailable
		})
	}()
	<-started

	_ = stepFail.run(cb, c)
	_ = stepWait.run(cb, c)
	_ = stepOK.run(cb, c)
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state = %v, want closed after a good probe", got)
	}

	close(release)
	<-done
	if got := cb.State(); got != StateClosed {
		t.Errorf("state = %v, want closed: a failure admitted before the trip must not count", got)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
