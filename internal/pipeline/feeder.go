package pipeline

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/lipsync/pkg/audio"
	"github.com/MrWong99/lipsync/pkg/mel"
)

// Feeder is the audio ingestion and mel feature stage. Each Tick pulls one
// video batch worth of chunks (two per frame) from audio-in, forwards them to
// audio-out and turns the rolling chunk buffer into one batch of mel windows.
//
// Tick must be called from a single goroutine; Flush and Reset may be called
// from anywhere.
type Feeder struct {
	batch int
	q     *Queues

	analyzer *mel.Analyzer
	buffer   []audio.Chunk
	flush    atomic.Bool
}

// NewFeeder creates a Feeder producing batchSize windows per tick.
func NewFeeder(batchSize int, q *Queues) *Feeder {
	return &Feeder{
		batch:    batchSize,
		q:        q,
		analyzer: mel.NewAnalyzer(),
	}
}

// Flush makes the next Tick emit one batch of silence in place of audio-in.
func (f *Feeder) Flush() {
	f.flush.Store(true)
}

// Reset cancels a pending Flush.
func (f *Feeder) Reset() {
	f.flush.Store(false)
}

// Flushing reports whether a Flush is pending.
func (f *Feeder) Flushing() bool {
	return f.flush.Load()
}

// Tick runs one ingestion step. It blocks while audio-out or the mel queue
// is full.
func (f *Feeder) Tick(ctx context.Context) error {
	n := f.batch * 2
	if f.flush.Swap(false) {
		// Interrupted speech was already removed from audio-in by the
		// speaker; anything queued there now is newer and waits a tick.
		for range n {
			if err := f.emit(ctx, audio.SilentChunk()); err != nil {
				return err
			}
		}
	} else {
		for range n {
			c, ok := f.q.AudioIn.TryGet()
			if !ok {
				c = audio.SilentChunk()
			}
			if err := f.emit(ctx, c); err != nil {
				return err
			}
		}
	}

	windows := f.windows()
	if len(windows) == 0 {
		return nil
	}
	if err := f.q.Mels.Put(ctx, windows); err != nil {
		return fmt.Errorf("pipeline: put mel batch: %w", err)
	}
	keep := LeftStride + RightStride
	f.buffer = append([]audio.Chunk(nil), f.buffer[len(f.buffer)-keep:]...)
	return nil
}

func (f *Feeder) emit(ctx context.Context, c audio.Chunk) error {
	if err := f.q.AudioOut.Put(ctx, c); err != nil {
		return fmt.Errorf("pipeline: put audio-out: %w", err)
	}
	f.buffer = append(f.buffer, c)
	return nil
}

// windows slices the rolling buffer's spectrogram into one window per video
// frame between the left and right context.
func (f *Feeder) windows() []mel.Window {
	if len(f.buffer) <= LeftStride+RightStride {
		return nil
	}

	samples := make([]float32, 0, len(f.buffer)*audio.ChunkSize)
	for _, c := range f.buffer {
		samples = append(samples, c.Samples...)
	}
	spec := f.analyzer.Compute(samples)

	left := float64(LeftStride) * mel.Bands / audioFPS
	mult := float64(mel.Bands) * 2 / audioFPS
	count := (len(f.buffer) - LeftStride - RightStride + 1) / 2

	out := make([]mel.Window, 0, count)
	for i := range count {
		start := int(left + float64(i)*mult)
		if start+mel.StepSize > spec.Frames {
			start = max(0, spec.Frames-mel.StepSize)
		}
		out = append(out, spec.Window(start))
	}
	return out
}
