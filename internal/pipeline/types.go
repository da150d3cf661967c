// Package pipeline implements the per-session media stages that turn 20 ms
// speech chunks into lip-synced avatar frames:
//
//	audio-in ─► Feeder ─► mel queue ─► Inferencer ─► result queue ─► Compositor ─► combined queue
//	              └──────► audio-out ──────┘
//
// Every stage talks to its neighbours through a bounded [Queue]. Stages are
// driven by their owner (see internal/session): the Feeder once per video
// batch tick, the Inferencer and Compositor as long-running loops.
package pipeline

import (
	"image"
	"log/slog"
	"time"

	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/pkg/audio"
	"github.com/MrWong99/lipsync/pkg/mel"
)

// Mel context around each video frame, in audio chunks.
const (
	LeftStride  = 2
	RightStride = 2

	// audioFPS is the chunk rate seen by the mel stage.
	audioFPS = audio.FPS * 2

	// MelQueueDepth bounds the number of pending mel batches.
	MelQueueDepth = 2

	// pollTimeout bounds each blocking queue read of the long-running stages.
	pollTimeout = time.Second
)

// Result is one predicted frame. A nil Pixels means the base frame at Index
// is reused as is.
type Result struct {
	Pixels *image.RGBA
	Index  int
	Audio  [2]audio.Chunk
}

// Composite is one finished video frame with the two audio chunks that play
// during it.
type Composite struct {
	Image *image.RGBA
	Audio [2]audio.Chunk
}

// Queues bundles the queues of one session pipeline.
type Queues struct {
	AudioIn  *Queue[audio.Chunk]
	AudioOut *Queue[audio.Chunk]
	Mels     *Queue[[]mel.Window]
	Results  *Queue[Result]
	Combined *Queue[Composite]
}

// NewQueues sizes the queues for batchSize frames per tick. audioIn bounds
// the speech backlog; pass 0 for the default of one minute of audio.
func NewQueues(batchSize, audioIn int) *Queues {
	if audioIn <= 0 {
		audioIn = 60 * audioFPS
	}
	perTick := 2 * batchSize
	return &Queues{
		AudioIn: NewQueue[audio.Chunk](audioIn),
		// Audio-out runs one tick behind the mel stage and must absorb
		// every tick the mel queue can hold without stalling the Feeder
		// before its mel put.
		AudioOut: NewQueue[audio.Chunk](perTick * (MelQueueDepth + 2)),
		Mels:     NewQueue[[]mel.Window](MelQueueDepth),
		Results:  NewQueue[Result](perTick),
		Combined: NewQueue[Composite](perTick),
	}
}

// Clear drops the content of every queue.
func (q *Queues) Clear() {
	q.AudioIn.Clear()
	q.AudioOut.Clear()
	q.Mels.Clear()
	q.Results.Clear()
	q.Combined.Clear()
}

// Options carries the ambient dependencies shared by all stages.
type Options struct {
	// SessionID labels logs and metrics.
	SessionID string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *observe.Metrics
}

func (o Options) logger() *slog.Logger {
	l := o.Logger
	if l == nil {
		l = slog.Default()
	}
	if o.SessionID != "" {
		l = l.With("session_id", o.SessionID)
	}
	return l
}
