// Package mock provides an in-memory transport.Sink for tests.
package mock

import (
	"context"
	"image"
	"sync"

	"github.com/MrWong99/lipsync/pkg/transport"
)

var _ transport.Sink = (*Sink)(nil)

// VideoFrame is a recorded WriteVideo call.
type VideoFrame struct {
	Frame     *image.RGBA
	Timestamp uint32
}

// AudioFrame is a recorded WriteAudio call.
type AudioFrame struct {
	Samples   []int16
	Timestamp uint32
}

// Sink records every frame it receives.
type Sink struct {
	mu     sync.Mutex
	video  []VideoFrame
	audio  []AudioFrame
	done   chan struct{}
	once   sync.Once
	closed bool

	// WriteErr, if set, is returned by both write methods.
	WriteErr error
}

// New creates an open Sink.
func New() *Sink {
	return &Sink{done: make(chan struct{})}
}

// WriteVideo implements transport.Sink.
func (s *Sink) WriteVideo(_ context.Context, frame *image.RGBA, ts uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.video = append(s.video, VideoFrame{Frame: frame, Timestamp: ts})
	return nil
}

// WriteAudio implements transport.Sink.
func (s *Sink) WriteAudio(_ context.Context, samples []int16, ts uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.WriteErr != nil {
		return s.WriteErr
	}
	s.audio = append(s.audio, AudioFrame{Samples: samples, Timestamp: ts})
	return nil
}

// Done implements transport.Sink.
func (s *Sink) Done() <-chan struct{} {
	return s.done
}

// Disconnect simulates the remote peer going away.
func (s *Sink) Disconnect() {
	s.once.Do(func() { close(s.done) })
}

// Close implements transport.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Disconnect()
	return nil
}

// Closed reports whether Close was called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Video returns a snapshot of the recorded video frames.
func (s *Sink) Video() []VideoFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VideoFrame(nil), s.video...)
}

// Audio returns a snapshot of the recorded audio frames.
func (s *Sink) Audio() []AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AudioFrame(nil), s.audio...)
}
