package transport

import (
	"context"
	"errors"
	"image"

	"golang.org/x/sync/errgroup"
)

// ErrSinkClosed is returned by a Sink after its peer went away.
var ErrSinkClosed = errors.New("transport: sink closed")

// Sink is the outbound side of a media connection.
type Sink interface {
	// WriteVideo sends one video frame stamped on the 90 kHz clock.
	WriteVideo(ctx context.Context, frame *image.RGBA, timestamp uint32) error

	// WriteAudio sends one 20 ms block of s16 mono samples stamped on the
	// 16 kHz clock.
	WriteAudio(ctx context.Context, samples []int16, timestamp uint32) error

	// Done is closed when the remote peer disconnects or fails.
	Done() <-chan struct{}

	// Close tears the connection down. Calling Close twice is safe.
	Close() error
}

// Stream pairs the video and audio tracks of one session.
type Stream struct {
	Video *Track[*image.RGBA]
	Audio *Track[[]int16]
}

// NewStream creates a Stream with standard video and audio clocks.
func NewStream() *Stream {
	return &Stream{
		Video: NewVideoTrack[*image.RGBA](),
		Audio: NewAudioTrack[[]int16](),
	}
}

// Run drains both tracks into sink at their cadence until ctx is cancelled,
// a write fails or the sink reports Done. A Done sink yields ErrSinkClosed.
func (s *Stream) Run(ctx context.Context, sink Sink) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-sink.Done():
			return ErrSinkClosed
		case <-ctx.Done():
			return nil
		}
	})
	g.Go(func() error {
		for {
			frame, ts, err := s.Video.Recv(ctx)
			if err != nil {
				return ignoreCancel(ctx, err)
			}
			if err := sink.WriteVideo(ctx, frame, ts); err != nil {
				return ignoreCancel(ctx, err)
			}
		}
	})
	g.Go(func() error {
		for {
			samples, ts, err := s.Audio.Recv(ctx)
			if err != nil {
				return ignoreCancel(ctx, err)
			}
			if err := sink.WriteAudio(ctx, samples, ts); err != nil {
				return ignoreCancel(ctx, err)
			}
		}
	})
	return g.Wait()
}

func ignoreCancel(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	return err
}
