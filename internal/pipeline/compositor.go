package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/image/draw"

	"github.com/MrWong99/lipsync/internal/caption"
	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/pkg/avatar"
)

// Compositor pastes predicted crops back into their full frames, draws the
// caption of the utterance being spoken and hands the finished frame with its
// audio to the combined queue.
//
// Step and Run must be called from a single goroutine.
type Compositor struct {
	frames  *avatar.Frames
	q       *Queues
	caption *caption.Renderer

	opts Options
	log  *slog.Logger
}

// NewCompositor creates a Compositor. captions may be nil to disable
// captions.
func NewCompositor(frames *avatar.Frames, q *Queues, captions *caption.Renderer, opts Options) *Compositor {
	return &Compositor{
		frames:  frames,
		q:       q,
		caption: captions,
		opts:    opts,
		log:     opts.logger().With("stage", "compositor"),
	}
}

// Run calls Step until ctx is cancelled.
func (c *Compositor) Run(ctx context.Context) error {
	for {
		err := c.Step(ctx)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrTimeout):
			continue
		case err != nil:
			return err
		}
	}
}

// Step composites one result. It returns [ErrTimeout] when no result
// arrived within the poll interval.
func (c *Compositor) Step(ctx context.Context) error {
	r, err := c.q.Results.Get(ctx, pollTimeout)
	if err != nil {
		return err
	}

	talking := r.Audio[0].IsTalking() || r.Audio[1].IsTalking()
	if !talking || r.Pixels == nil {
		c.record(ctx, observe.FrameIdle)
		return c.q.Combined.Put(ctx, Composite{Image: c.frames.Full[r.Index], Audio: r.Audio})
	}

	rect := c.frames.Coords[r.Index].Rect()
	if rect.Empty() {
		c.log.Warn("empty face box, dropping frame", "index", r.Index)
		if m := c.opts.Metrics; m != nil {
			m.FramesDropped.Add(ctx, 1, metric.WithAttributes(observe.Attr("session_id", c.opts.SessionID)))
		}
		return nil
	}

	frame := cloneRGBA(c.frames.Full[r.Index])
	draw.CatmullRom.Scale(frame, rect, r.Pixels, r.Pixels.Bounds(), draw.Src, nil)

	if meta := r.Audio[0].Meta; c.caption != nil && meta != nil && meta.Message != "" {
		if err := c.caption.Draw(frame, meta.Message, meta.LanguageCode); err != nil {
			c.log.Warn("caption draw failed", "err", err)
		}
	}

	c.record(ctx, observe.FrameTalking)
	return c.q.Combined.Put(ctx, Composite{Image: frame, Audio: r.Audio})
}

func (c *Compositor) record(ctx context.Context, kind string) {
	if m := c.opts.Metrics; m != nil {
		m.RecordFrame(ctx, c.opts.SessionID, kind)
	}
}
