package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned by Queue.Get when no item arrived in time.
var ErrTimeout = errors.New("pipeline: queue get timed out")

// Queue is a bounded FIFO shared between two pipeline stages.
// It is safe for concurrent use.
type Queue[T any] struct {
	ch chan T
}

// NewQueue creates a queue holding at most capacity items.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue[T]{ch: make(chan T, capacity)}
}

// Put appends v, blocking while the queue is full.
func (q *Queue[T]) Put(ctx context.Context, v T) error {
	select {
	case q.ch <- v:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut appends v if there is room.
func (q *Queue[T]) TryPut(v T) bool {
	select {
	case q.ch <- v:
		return true
	default:
		return false
	}
}

// Get removes the oldest item. A positive timeout bounds the wait and yields
// ErrTimeout; zero or negative waits until ctx ends.
func (q *Queue[T]) Get(ctx context.Context, timeout time.Duration) (T, error) {
	var zero T
	if timeout <= 0 {
		select {
		case v := <-q.ch:
			return v, nil
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case v := <-q.ch:
		return v, nil
	case <-t.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// TryGet removes the oldest item without waiting.
func (q *Queue[T]) TryGet() (T, bool) {
	select {
	case v := <-q.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Clear drops every queued item and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

// Len reports the number of queued items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}
