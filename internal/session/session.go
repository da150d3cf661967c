// Package session runs one avatar session: the speech worker, the media
// pipeline stages, the transport pump and the conversation on top of them.
//
// A [Session] moves through a small state machine:
//
//	created ──start──► running ──close──► closed
//	   │                  │
//	   └──────close───────┤
//	                      └──fail───► failed
//
// [Manager] owns the sessions of the process and enforces the session limit.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/image/font/opentype"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/lipsync/internal/caption"
	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/internal/pipeline"
	"github.com/MrWong99/lipsync/internal/session/history"
	"github.com/MrWong99/lipsync/internal/speech"
	"github.com/MrWong99/lipsync/pkg/audio"
	"github.com/MrWong99/lipsync/pkg/avatar"
	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
	"github.com/MrWong99/lipsync/pkg/provider/llm"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
	"github.com/MrWong99/lipsync/pkg/transport"
)

// Session states.
const (
	StateCreated = "created"
	StateRunning = "running"
	StateClosed  = "closed"
	StateFailed  = "failed"
)

const (
	eventStart = "start"
	eventClose = "close"
	eventFail  = "fail"
)

// DefaultBatchSize is the number of video frames inferred per tick.
const DefaultBatchSize = 16

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrAlreadyAttached is returned when a second media sink is attached.
	ErrAlreadyAttached = errors.New("session: media sink already attached")
)

// Config carries everything a session needs. Frames, Model and TTS are
// required.
type Config struct {
	ID string

	Frames    *avatar.Frames
	Model     lipsync.Model
	BatchSize int

	// Warmup runs one dummy inference before the workers start.
	Warmup bool

	TTS     tts.Provider
	TTSName string

	// Voice fills the empty fields of every request's voice.
	Voice tts.VoiceProfile

	// LLM may be nil, which disables chat.
	LLM          llm.Provider
	LLMName      string
	History      history.Store
	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// Font enables captions. Nil disables them.
	Font *opentype.Font

	// CaptionOutline overrides the white caption stroke.
	CaptionOutline color.Color

	// Sink may be attached later with [Session.Attach].
	Sink transport.Sink

	// AudioInCapacity bounds the speech backlog in chunks; 0 means default.
	AudioInCapacity int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Event is published to subscribers on state changes and speech.
type Event struct {
	Type  string `json:"type"`
	State string `json:"state,omitempty"`
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
}

// Event types.
const (
	EventState = "state"
	EventSpeak = "speak"
	EventStop  = "stop"
	EventError = "error"
)

// Session is one running avatar. All exported methods are safe for
// concurrent use.
type Session struct {
	id        string
	cfg       Config
	log       *slog.Logger
	createdAt time.Time

	queues     *pipeline.Queues
	feeder     *pipeline.Feeder
	inferencer *pipeline.Inferencer
	compositor *pipeline.Compositor
	speaker    *speech.Speaker
	conv       *Conversation
	stream     *transport.Stream

	machine *fsm.FSM
	events  hub

	mu       sync.Mutex
	sink     transport.Sink
	attached chan struct{}
	cancel   context.CancelFunc
	err      error

	finishOnce sync.Once
	done       chan struct{}

	// onDone is called once after the session reached a terminal state.
	onDone func(*Session)
}

// New builds a session in the created state.
func New(cfg Config) (*Session, error) {
	if cfg.Frames == nil {
		return nil, errors.New("session: frames are required")
	}
	if err := cfg.Frames.Validate(); err != nil {
		return nil, fmt.Errorf("session: %w", err)
	}
	if cfg.Model == nil {
		return nil, errors.New("session: lip-sync model is required")
	}
	if cfg.TTS == nil {
		return nil, errors.New("session: TTS provider is required")
	}
	if cfg.ID == "" {
		cfg.ID = newID()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		id:        cfg.ID,
		cfg:       cfg,
		log:       log.With("session_id", cfg.ID),
		createdAt: time.Now(),
		stream:    transport.NewStream(),
		attached:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	s.events.subs = make(map[chan Event]struct{})

	opts := pipeline.Options{SessionID: cfg.ID, Logger: log, Metrics: cfg.Metrics}
	s.queues = pipeline.NewQueues(cfg.BatchSize, cfg.AudioInCapacity)
	s.feeder = pipeline.NewFeeder(cfg.BatchSize, s.queues)
	s.inferencer = pipeline.NewInferencer(cfg.Model, cfg.Frames, cfg.BatchSize, s.queues, opts)
	var captions *caption.Renderer
	if cfg.Font != nil {
		captions = caption.NewRenderer(cfg.Font, 0, caption.WithOutline(cfg.CaptionOutline))
	}
	s.compositor = pipeline.NewCompositor(cfg.Frames, s.queues, captions, opts)

	speakerOpts := []speech.Option{
		speech.WithLogger(log),
		speech.WithSessionID(cfg.ID),
		speech.WithMetrics(cfg.Metrics),
	}
	if cfg.TTSName != "" {
		speakerOpts = append(speakerOpts, speech.WithProviderName(cfg.TTSName))
	}
	s.speaker = speech.New(cfg.TTS, s.queues.AudioIn, speakerOpts...)

	s.conv = NewConversation(ConversationConfig{
		SessionID:    cfg.ID,
		LLM:          cfg.LLM,
		Store:        cfg.History,
		Speak:        s.speak,
		Interrupt:    s.Stop,
		SystemPrompt: cfg.SystemPrompt,
		Temperature:  cfg.Temperature,
		MaxTokens:    cfg.MaxTokens,
		ProviderName: cfg.LLMName,
		Logger:       log,
		Metrics:      cfg.Metrics,
	})

	s.machine = fsm.NewFSM(StateCreated,
		fsm.Events{
			{Name: eventStart, Src: []string{StateCreated}, Dst: StateRunning},
			{Name: eventClose, Src: []string{StateCreated, StateRunning}, Dst: StateClosed},
			{Name: eventFail, Src: []string{StateRunning}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Info("session state changed", "from", e.Src, "to", e.Dst)
				s.events.publish(Event{Type: EventState, State: e.Dst})
			},
		},
	)

	if cfg.Sink != nil {
		if err := s.Attach(cfg.Sink); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// CreatedAt returns when the session was built.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// State returns the current lifecycle state.
func (s *Session) State() string { return s.machine.Current() }

// Done is closed once the session reached a terminal state and released its
// resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error that failed the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Attach connects the media sink. Frames are only consumed once a sink is
// attached; until then the pipeline stalls on its bounded queues.
func (s *Session) Attach(sink transport.Sink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sink != nil {
		return ErrAlreadyAttached
	}
	s.sink = sink
	close(s.attached)
	return nil
}

// Start spawns the session workers. Only ctx's values outlive the call; the
// workers run until Close or a fatal error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.machine.Is(StateCreated) {
		return fmt.Errorf("session: start in state %s", s.machine.Current())
	}
	if s.cfg.Warmup {
		if err := lipsync.Warmup(ctx, s.cfg.Model, s.cfg.BatchSize, s.cfg.Frames.FaceSize); err != nil {
			return fmt.Errorf("session: warmup: %w", err)
		}
	}
	if err := s.machine.Event(ctx, eventStart); err != nil {
		return fmt.Errorf("session: start: %w", err)
	}

	runCtx, cancel := context.WithCancel(observe.WithSession(context.WithoutCancel(ctx), s.id))
	s.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.speaker.Run(gctx) })
	g.Go(func() error { return s.tick(gctx) })
	g.Go(func() error { return s.inferencer.Run(gctx) })
	g.Go(func() error { return s.compositor.Run(gctx) })
	g.Go(func() error { return s.pump(gctx) })
	g.Go(func() error { return s.serve(gctx) })

	go func() {
		err := g.Wait()
		cancel()
		s.finish(err)
	}()

	s.log.Info("session started", "batch_size", s.cfg.BatchSize, "frames", s.cfg.Frames.Len())
	return nil
}

// Stop interrupts the avatar: pending and in-flight speech is dropped and
// the next tick emits silence. Workers keep running.
func (s *Session) Stop() {
	s.speaker.Stop()
	s.feeder.Flush()
	s.events.publish(Event{Type: EventStop})
}

// Reset cancels a pending flush.
func (s *Session) Reset() {
	s.feeder.Reset()
}

// Echo speaks text verbatim.
func (s *Session) Echo(text string, voice tts.VoiceProfile) error {
	return s.speak(text, voice)
}

// Chat sends text to the LLM and speaks the reply.
func (s *Session) Chat(text string, voice tts.VoiceProfile) error {
	return s.conv.Send(text, s.voice(voice))
}

// StopResponse cancels the LLM reply in flight and interrupts speech.
func (s *Session) StopResponse() {
	s.conv.StopResponse()
}

// ClearHistory forgets the conversation.
func (s *Session) ClearHistory(ctx context.Context) error {
	return s.conv.ClearHistory(ctx)
}

// History returns the conversation so far.
func (s *Session) History(ctx context.Context) ([]llm.Message, error) {
	return s.conv.History(ctx)
}

// Subscribe returns a channel of session events and a function that ends the
// subscription. The channel is closed when the session ends. Slow
// subscribers miss events.
func (s *Session) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// Close stops every worker, releases the model and drops queued media. It
// waits for the workers until ctx ends. Calling Close more than once is safe.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		s.finish(nil)
		return nil
	}
	cancel()
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) speak(text string, voice tts.VoiceProfile) error {
	if text == "" {
		return nil
	}
	if err := s.speaker.Speak(text, s.voice(voice)); err != nil {
		return err
	}
	s.events.publish(Event{Type: EventSpeak, Text: text})
	return nil
}

// voice fills v's empty fields from the configured voice.
func (s *Session) voice(v tts.VoiceProfile) tts.VoiceProfile {
	d := s.cfg.Voice
	if v.Voice == "" {
		v.Voice = d.Voice
	}
	if v.Model == "" {
		v.Model = d.Model
	}
	if v.Speed <= 0 {
		v.Speed = d.Speed
	}
	if v.Language == "" {
		v.Language = d.Language
	}
	return v
}

func (s *Session) tick(ctx context.Context) error {
	for {
		if err := s.feeder.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.recordDepths(ctx)
		if err := s.stream.Video.Throttle(ctx, s.cfg.BatchSize); err != nil {
			return nil
		}
	}
}

// pump moves finished frames and their audio onto the transport tracks.
func (s *Session) pump(ctx context.Context) error {
	select {
	case <-s.attached:
	case <-ctx.Done():
		return nil
	}
	for {
		c, err := s.queues.Combined.Get(ctx, time.Second)
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, pipeline.ErrTimeout):
			continue
		case err != nil:
			return err
		}
		clearFirstRowLSB(c.Image)
		s.stream.Video.Push(c.Image)
		for _, a := range c.Audio {
			s.stream.Audio.Push(audio.ToInt16(a.Samples))
		}
	}
}

func (s *Session) serve(ctx context.Context) error {
	select {
	case <-s.attached:
	case <-ctx.Done():
		return nil
	}
	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	return s.stream.Run(ctx, sink)
}

func (s *Session) recordDepths(ctx context.Context) {
	m := s.cfg.Metrics
	if m == nil {
		return
	}
	m.RecordQueueDepth(ctx, s.id, "audio_in", s.queues.AudioIn.Len())
	m.RecordQueueDepth(ctx, s.id, "audio_out", s.queues.AudioOut.Len())
	m.RecordQueueDepth(ctx, s.id, "mel", s.queues.Mels.Len())
	m.RecordQueueDepth(ctx, s.id, "result", s.queues.Results.Len())
	m.RecordQueueDepth(ctx, s.id, "combined", s.queues.Combined.Len())
	m.RecordQueueDepth(ctx, s.id, "video_track", s.stream.Video.Len())
}

// finish moves the session to its terminal state and releases resources.
// A closed sink ends the session normally; any other worker error fails it.
func (s *Session) finish(err error) {
	s.finishOnce.Do(func() {
		ctx := context.Background()
		if err != nil && !errors.Is(err, transport.ErrSinkClosed) {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			s.log.Error("session failed", "err", err)
			s.events.publish(Event{Type: EventError, Error: err.Error()})
			if s.machine.Can(eventFail) {
				_ = s.machine.Event(ctx, eventFail)
			}
		} else if s.machine.Can(eventClose) {
			_ = s.machine.Event(ctx, eventClose)
		}

		s.conv.Close()
		s.speaker.Stop()
		if cerr := s.cfg.Model.Close(); cerr != nil {
			s.log.Warn("close lip-sync model", "err", cerr)
		}
		s.queues.Clear()
		s.stream.Video.Clear()
		s.stream.Audio.Clear()

		s.mu.Lock()
		sink := s.sink
		s.mu.Unlock()
		if sink != nil {
			if cerr := sink.Close(); cerr != nil {
				s.log.Debug("close media sink", "err", cerr)
			}
		}

		s.events.close()
		if s.onDone != nil {
			s.onDone(s)
		}
		s.log.Info("session ended", "state", s.machine.Current())
		close(s.done)
	})
}

// PrepareFrames clears the low bit of the first pixel row of every full
// frame, matching the marking the media pump applies to composited frames.
// Call it once after loading, before frames are shared.
func PrepareFrames(f *avatar.Frames) {
	for _, img := range f.Full {
		clearFirstRowLSB(img)
	}
}

// clearFirstRowLSB clears the least significant bit of the colour channels
// of the first row. Bytes already clear are not written, so prepared base
// frames stay read-only.
func clearFirstRowLSB(img *image.RGBA) {
	b := img.Bounds()
	if b.Empty() {
		return
	}
	i := img.PixOffset(b.Min.X, b.Min.Y)
	row := img.Pix[i : i+b.Dx()*4]
	for j := range row {
		if j%4 != 3 && row[j]&1 != 0 {
			row[j] &^= 1
		}
	}
}

type hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func (h *hub) subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 32)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *hub) publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
