package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/pkg/audio"
	"github.com/MrWong99/lipsync/pkg/avatar"
	"github.com/MrWong99/lipsync/pkg/mel"
	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
)

// Inferencer pairs each mel batch with 2*batch audio-out chunks and the
// next batch of base frames, and emits one [Result] per frame. Batches made
// only of silence skip the model.
//
// Step and Run must be called from a single goroutine.
type Inferencer struct {
	model  lipsync.Model
	frames *avatar.Frames
	batch  int
	q      *Queues

	opts Options
	log  *slog.Logger

	// idx is the running base frame counter, reflected onto [0, N).
	idx int
}

// NewInferencer creates an Inferencer. frames must be valid.
func NewInferencer(model lipsync.Model, frames *avatar.Frames, batchSize int, q *Queues, opts Options) *Inferencer {
	return &Inferencer{
		model:  model,
		frames: frames,
		batch:  batchSize,
		q:      q,
		opts:   opts,
		log:    opts.logger().With("stage", "inference"),
	}
}

// Index returns the base frame counter.
func (in *Inferencer) Index() int {
	return in.idx
}

// Run calls Step until ctx is cancelled or the model fails.
func (in *Inferencer) Run(ctx context.Context) error {
	for {
		err := in.Step(ctx)
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

// Step processes one mel batch. It returns [ErrTimeout] when no batch
// arrived within the poll interval.
func (in *Inferencer) Step(ctx context.Context) error {
	windows, err := in.q.Mels.Get(ctx, pollTimeout)
	if err != nil {
		return err
	}

	chunks := make([]audio.Chunk, 0, 2*in.batch)
	talking := false
	for range 2 * in.batch {
		c, err := in.q.AudioOut.Get(ctx, 0)
		if err != nil {
			return err
		}
		talking = talking || c.IsTalking()
		chunks = append(chunks, c)
	}

	n := in.frames.Len()
	if !talking {
		for s := range in.batch {
			r := Result{
				Index: avatar.Reflect(n, in.idx),
				Audio: [2]audio.Chunk{chunks[2*s], chunks[2*s+1]},
			}
			in.idx++
			if err := in.q.Results.Put(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}

	indices := make([]int, in.batch)
	for s := range indices {
		indices[s] = avatar.Reflect(n, in.idx+s)
	}
	pred, err := in.predict(ctx, windows, indices)
	if err != nil {
		return err
	}

	size := in.frames.FaceSize
	for s, fi := range indices {
		r := Result{
			Pixels: predictionImage(pred, s, size),
			Index:  fi,
			Audio:  [2]audio.Chunk{chunks[2*s], chunks[2*s+1]},
		}
		if err := in.q.Results.Put(ctx, r); err != nil {
			return err
		}
	}
	in.idx += in.batch
	return nil
}

func (in *Inferencer) predict(ctx context.Context, windows []mel.Window, indices []int) ([]float32, error) {
	windows = fitBatch(windows, in.batch)
	melIn := make([]float32, 0, in.batch*mel.WindowLen)
	for _, w := range windows {
		melIn = append(melIn, w...)
	}

	faces := make([]*image.RGBA, len(indices))
	for s, fi := range indices {
		faces[s] = in.frames.Face[fi]
	}
	size := in.frames.FaceSize
	faceIn := faceTensor(faces, size)

	start := time.Now()
	pred, err := in.model.Predict(ctx, melIn, faceIn, in.batch, size)
	if m := in.opts.Metrics; m != nil {
		m.InferenceDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("session_id", in.opts.SessionID)))
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: lip-sync inference: %w", err)
	}
	if len(pred) < lipsync.OutputLen(in.batch, size) {
		return nil, fmt.Errorf("pipeline: lip-sync inference: got %d values, want %d", len(pred), lipsync.OutputLen(in.batch, size))
	}
	in.log.Debug("batch inferred", "batch", in.batch, "duration", time.Since(start))
	return pred, nil
}

// fitBatch pads windows to n by repeating the last one, or truncates them.
func fitBatch(windows []mel.Window, n int) []mel.Window {
	if len(windows) >= n {
		return windows[:n]
	}
	out := make([]mel.Window, n)
	copy(out, windows)
	last := silentWindow()
	if len(windows) > 0 {
		last = windows[len(windows)-1]
	}
	for i := len(windows); i < n; i++ {
		out[i] = last
	}
	return out
}

func silentWindow() mel.Window {
	w := make(mel.Window, mel.WindowLen)
	for i := range w {
		w[i] = mel.MinValue
	}
	return w
}
