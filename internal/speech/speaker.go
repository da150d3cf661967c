// Package speech turns queued text into 20 ms pipeline chunks by streaming it
// through a TTS provider.
//
// A [Speaker] owns a bounded message queue and a single worker ([Speaker.Run])
// that synthesises one utterance at a time. The native PCM stream is regrouped
// into 200 ms blocks, resampled to [audio.SampleRate] and sliced into
// [audio.ChunkSize] chunks tagged [audio.Talking]. Every utterance ends with
// one zero-filled [audio.Silent] chunk.
package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/internal/pipeline"
	"github.com/MrWong99/lipsync/pkg/audio"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// DefaultQueueSize is the number of utterances that may wait for synthesis.
const DefaultQueueSize = 64

// ErrQueueFull is returned by Speak when the message queue is full.
var ErrQueueFull = errors.New("speech: message queue full")

// errStopped aborts an utterance whose generation was superseded by Stop.
var errStopped = errors.New("speech: stopped")

// pollTimeout bounds each wait of the worker for a new message.
const pollTimeout = time.Second

type message struct {
	text  string
	voice tts.VoiceProfile
	gen   uint64
}

// Option configures a Speaker.
type Option func(*Speaker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Speaker) { s.log = l }
}

// WithMetrics enables TTS metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) { s.metrics = m }
}

// WithSessionID labels logs and metrics.
func WithSessionID(id string) Option {
	return func(s *Speaker) { s.sessionID = id }
}

// WithProviderName labels provider metrics. Defaults to "tts".
func WithProviderName(name string) Option {
	return func(s *Speaker) { s.providerName = name }
}

// WithQueueSize overrides DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(s *Speaker) { s.queueSize = n }
}

// Speaker synthesises queued utterances onto an audio-in queue.
// Speak and Stop are safe for concurrent use; Run must be called once.
type Speaker struct {
	provider tts.Provider
	out      *pipeline.Queue[audio.Chunk]

	log          *slog.Logger
	metrics      *observe.Metrics
	sessionID    string
	providerName string
	queueSize    int

	messages *pipeline.Queue[message]

	// gen is bumped by Stop. Messages and in-flight output carrying an
	// older generation are discarded.
	gen atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc

	// emitMu makes the generation check and the put onto out atomic with
	// respect to the clear in Stop.
	emitMu sync.Mutex
}

// New creates a Speaker writing chunks to out.
func New(provider tts.Provider, out *pipeline.Queue[audio.Chunk], opts ...Option) *Speaker {
	s := &Speaker{
		provider:     provider,
		out:          out,
		log:          slog.Default(),
		providerName: "tts",
		queueSize:    DefaultQueueSize,
	}
	for _, o := range opts {
		o(s)
	}
	if s.sessionID != "" {
		s.log = s.log.With("session_id", s.sessionID)
	}
	s.messages = pipeline.NewQueue[message](s.queueSize)
	return s
}

// Speak queues text for synthesis. Empty text is ignored.
func (s *Speaker) Speak(text string, voice tts.VoiceProfile) error {
	if text == "" {
		return nil
	}
	if !s.messages.TryPut(message{text: text, voice: voice.WithDefaults(), gen: s.gen.Load()}) {
		return ErrQueueFull
	}
	return nil
}

// Pending returns the number of queued utterances.
func (s *Speaker) Pending() int {
	return s.messages.Len()
}

// Stop drops every queued utterance, aborts the one being synthesised and
// removes its chunks from the output queue. Messages queued after Stop
// returns are spoken normally.
func (s *Speaker) Stop() {
	s.gen.Add(1)
	s.messages.Clear()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	s.out.Clear()
	s.emitMu.Unlock()
}

// Run synthesises queued utterances until ctx is cancelled. A failed
// utterance is logged and dropped.
func (s *Speaker) Run(ctx context.Context) error {
	for {
		msg, err := s.messages.Get(ctx, pollTimeout)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, pipeline.ErrTimeout):
			continue
		case err != nil:
			return err
		}

		if err := s.speak(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !errors.Is(err, errStopped) {
				s.log.Warn("utterance dropped", "err", err)
			}
		}
	}
}

func (s *Speaker) speak(ctx context.Context, msg message) error {
	if msg.gen != s.gen.Load() {
		return errStopped
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	sctx, span := observe.StartSpan(sctx, observe.SpanSynthesize,
		observe.Attr("voice", msg.voice.Voice), observe.Attr("language", msg.voice.Language))
	defer span.End()
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()
	// A Stop between the check above and publishing cancel.
	if msg.gen != s.gen.Load() {
		return errStopped
	}

	meta := &audio.Metadata{
		Message:      msg.text,
		LanguageCode: msg.voice.Language,
		Voice:        msg.voice.Voice,
		Model:        msg.voice.Model,
		Speed:        msg.voice.Speed,
	}

	start := time.Now()
	stream, err := s.provider.SynthesizeStream(sctx, msg.text, msg.voice)
	if err != nil {
		s.recordRequest(ctx, "error")
		span.RecordError(err)
		return fmt.Errorf("speech: synthesize: %w", err)
	}
	defer audio.Drain(stream)
	s.recordRequest(ctx, "ok")

	c := &chunker{rate: s.provider.SampleRate(), meta: meta}
	emit := func(chunks []audio.Chunk) error {
		for _, ch := range chunks {
			if err := s.put(sctx, msg.gen, ch); err != nil {
				return err
			}
		}
		return nil
	}

	first := true
	for b := range stream {
		if first && len(b) > 0 {
			first = false
			if s.metrics != nil {
				s.metrics.TTSFirstByte.Record(ctx, time.Since(start).Seconds(), s.providerAttr())
			}
		}
		if err := emit(c.write(b)); err != nil {
			return err
		}
	}
	if msg.gen != s.gen.Load() {
		return errStopped
	}
	if err := emit(append(c.flush(), audio.SilentChunk())); err != nil {
		return err
	}

	if s.metrics != nil {
		s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(), s.providerAttr())
		s.metrics.Utterances.Add(ctx, 1, metric.WithAttributes(observe.Attr("session_id", s.sessionID)))
	}
	s.log.Debug("utterance spoken", "chars", len(msg.text), "duration", time.Since(start))
	return nil
}

// put writes one chunk of generation gen. A blocked put is released by the
// cancel in Stop before Stop takes emitMu.
func (s *Speaker) put(ctx context.Context, gen uint64, ch audio.Chunk) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if gen != s.gen.Load() {
		return errStopped
	}
	if err := s.out.Put(ctx, ch); err != nil {
		if gen != s.gen.Load() {
			return errStopped
		}
		return err
	}
	return nil
}

func (s *Speaker) recordRequest(ctx context.Context, status string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordProviderRequest(ctx, s.providerName, "tts", status)
	if status != "ok" {
		s.metrics.RecordProviderError(ctx, s.providerName, "tts")
	}
}

func (s *Speaker) providerAttr() metric.RecordOption {
	return metric.WithAttributes(observe.Attr("provider", s.providerName))
}
