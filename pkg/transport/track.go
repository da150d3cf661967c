package transport

import (
	"context"
	"sync"
	"time"
)

// Throttle parameters: producers pause once a track holds 1.5 batches and
// then sleep 80% of the time the backlog takes to play out.
const (
	throttleFactor = 1.5
	throttleFrame  = 40 * time.Millisecond
	throttleRatio  = 0.8
)

// Track is a FIFO of frames drained at the cadence of its Pacer.
// Push never blocks; use Throttle to keep producers near real time.
type Track[T any] struct {
	pacer *Pacer

	mu     sync.Mutex
	frames []T
	ready  chan struct{}
}

// NewTrack creates a track paced at clockRate / ptime.
func NewTrack[T any](clockRate int, ptime time.Duration) *Track[T] {
	return &Track[T]{
		pacer: NewPacer(clockRate, ptime),
		ready: make(chan struct{}, 1),
	}
}

// NewVideoTrack returns a 90 kHz / 40 ms track.
func NewVideoTrack[T any]() *Track[T] {
	return NewTrack[T](VideoClockRate, VideoPtime)
}

// NewAudioTrack returns a 16 kHz / 20 ms track.
func NewAudioTrack[T any]() *Track[T] {
	return NewTrack[T](AudioClockRate, AudioPtime)
}

// Push appends a frame.
func (t *Track[T]) Push(frame T) {
	t.mu.Lock()
	t.frames = append(t.frames, frame)
	t.mu.Unlock()
	select {
	case t.ready <- struct{}{}:
	default:
	}
}

// Len reports the number of queued frames.
func (t *Track[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.frames)
}

// Clear drops every queued frame.
func (t *Track[T]) Clear() {
	t.mu.Lock()
	t.frames = nil
	t.mu.Unlock()
}

// Recv waits for a frame to be queued, then until it is due, and returns
// the oldest queued frame with its timestamp. The schedule is anchored by the
// first frame, not by the first call, so a late start is not followed by a
// burst.
func (t *Track[T]) Recv(ctx context.Context) (T, uint32, error) {
	var zero T
	if err := t.wait(ctx); err != nil {
		return zero, 0, err
	}
	ts, err := t.pacer.Next(ctx)
	if err != nil {
		return zero, 0, err
	}
	for {
		t.mu.Lock()
		if len(t.frames) > 0 {
			f := t.frames[0]
			t.frames[0] = zero
			t.frames = t.frames[1:]
			t.mu.Unlock()
			return f, ts, nil
		}
		t.mu.Unlock()
		// Cleared while waiting for the due time.
		if err := t.wait(ctx); err != nil {
			return zero, 0, err
		}
	}
}

// wait blocks until the track holds at least one frame.
func (t *Track[T]) wait(ctx context.Context) error {
	for t.Len() == 0 {
		select {
		case <-t.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ThrottleDelay is the pause Throttle would apply for the current backlog.
func (t *Track[T]) ThrottleDelay(batchSize int) time.Duration {
	n := t.Len()
	if float64(n) < throttleFactor*float64(batchSize) {
		return 0
	}
	return time.Duration(float64(throttleFrame) * float64(n) * throttleRatio)
}

// Throttle pauses the producer while the track is more than 1.5 batches
// ahead of playback.
func (t *Track[T]) Throttle(ctx context.Context, batchSize int) error {
	d := t.ThrottleDelay(batchSize)
	if d == 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
