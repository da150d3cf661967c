package session

import (
	"context"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/MrWong99/lipsync/pkg/audio"
	avatarmock "github.com/MrWong99/lipsync/pkg/avatar/mock"
	lipsyncmock "github.com/MrWong99/lipsync/pkg/provider/lipsync/mock"
	"github.com/MrWong99/lipsync/pkg/provider/llm"
	llmmock "github.com/MrWong99/lipsync/pkg/provider/llm/mock"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
	ttsmock "github.com/MrWong99/lipsync/pkg/provider/tts/mock"
	transportmock "github.com/MrWong99/lipsync/pkg/transport/mock"
)

const (
	testFace  = 8
	testWidth = 32
)

func speechPCM(samples int) []byte {
	s := make([]float32, samples)
	for i := range s {
		if i%20 < 10 {
			s[i] = 0.4
		} else {
			s[i] = -0.4
		}
	}
	return audio.EncodePCM16(s)
}

func testConfig(t *testing.T) (Config, *lipsyncmock.Model, *ttsmock.Provider, *transportmock.Sink) {
	t.Helper()
	model := &lipsyncmock.Model{Value: 0.5}
	provider := &ttsmock.Provider{SynthesizeChunks: [][]byte{speechPCM(4 * audio.ChunkSize)}}
	sink := transportmock.New()
	return Config{
		ID:        "test",
		Frames:    avatarmock.NewFrames(3, testFace, testWidth, testWidth),
		Model:     model,
		BatchSize: 2,
		TTS:       provider,
		Sink:      sink,
	}, model, provider, sink
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func closeSession(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	base, _, _, _ := testConfig(t)
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "no frames", mutate: func(c *Config) { c.Frames = nil }},
		{name: "empty frames", mutate: func(c *Config) { c.Frames = avatarmock.NewFrames(0, testFace, testWidth, testWidth) }},
		{name: "no model", mutate: func(c *Config) { c.Model = nil }},
		{name: "no tts", mutate: func(c *Config) { c.TTS = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			if _, err := New(cfg); err == nil {
				t.Error("New succeeded, want error")
			}
		})
	}
}

func TestSession_Lifecycle(t *testing.T) {
	t.Parallel()

	cfg, model, _, sink := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if got := s.State(); got != StateCreated {
		t.Fatalf("State = %s, want created", got)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := s.State(); got != StateRunning {
		t.Errorf("State = %s, want running", got)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}

	// Idle frames flow without any speech.
	waitFor(t, "idle video", func() bool { return len(sink.Video()) >= 3 })

	closeSession(t, s)
	closeSession(t, s)
	if got := s.State(); got != StateClosed {
		t.Errorf("State = %s, want closed", got)
	}
	if model.Closed != 1 {
		t.Errorf("model closed %d times, want 1", model.Closed)
	}
	if !sink.Closed() {
		t.Error("sink not closed")
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done not closed")
	}

	var states []string
	for e := range events {
		if e.Type == EventState {
			states = append(states, e.State)
		}
	}
	if len(states) != 2 || states[0] != StateRunning || states[1] != StateClosed {
		t.Errorf("state events = %v, want [running closed]", states)
	}
}

func TestSession_CloseBeforeStart(t *testing.T) {
	t.Parallel()

	cfg, model, _, _ := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	closeSession(t, s)
	if s.State() != StateClosed || model.Closed != 1 {
		t.Errorf("state %s, model closed %d", s.State(), model.Closed)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("Start after Close succeeded")
	}
}

func TestSession_EchoProducesTalkingFrames(t *testing.T) {
	t.Parallel()

	cfg, model, provider, sink := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Echo("hello", tts.VoiceProfile{Voice: "af_sky"}); err != nil {
		t.Fatalf("Echo: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)

	// Base frames have no green; the predicted grey crop does.
	centre := testWidth / 2
	waitFor(t, "talking frame", func() bool {
		for _, f := range sink.Video() {
			if f.Frame.RGBAAt(centre, centre).G > 100 {
				return true
			}
		}
		return false
	})
	waitFor(t, "audio", func() bool { return len(sink.Audio()) >= 8 })

	if n := len(model.PredictCalls()); n == 0 {
		t.Error("model never called")
	}
	calls := provider.Calls()
	if len(calls) != 1 || calls[0].Text != "hello" || calls[0].Voice.Voice != "af_sky" {
		t.Errorf("TTS calls = %+v", calls)
	}
	for _, a := range sink.Audio() {
		if len(a.Samples) != audio.ChunkSize {
			t.Fatalf("audio frame has %d samples, want %d", len(a.Samples), audio.ChunkSize)
		}
	}
}

func TestSession_SinkDisconnectCloses(t *testing.T) {
	t.Parallel()

	cfg, _, _, sink := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	sink.Disconnect()

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not end after disconnect")
	}
	if s.State() != StateClosed {
		t.Errorf("State = %s, want closed", s.State())
	}
	if s.Err() != nil {
		t.Errorf("Err = %v, want nil", s.Err())
	}
}

func TestSession_InferenceErrorFails(t *testing.T) {
	t.Parallel()

	cfg, model, _, _ := testConfig(t)
	model.Err = errors.New("device lost")
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Echo("boom", tts.VoiceProfile{}); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case <-s.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("session did not fail")
	}
	if s.State() != StateFailed {
		t.Errorf("State = %s, want failed", s.State())
	}
	if !errors.Is(s.Err(), model.Err) {
		t.Errorf("Err = %v, want device lost", s.Err())
	}
}

func TestSession_StopAndReset(t *testing.T) {
	t.Parallel()

	cfg, _, _, _ := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)
	for _, text := range []string{"one", "two", "three"} {
		if err := s.Echo(text, tts.VoiceProfile{}); err != nil {
			t.Fatal(err)
		}
	}
	if s.speaker.Pending() != 3 {
		t.Fatalf("Pending = %d, want 3", s.speaker.Pending())
	}

	s.Stop()
	s.Stop()
	if s.speaker.Pending() != 0 {
		t.Errorf("Pending = %d after Stop, want 0", s.speaker.Pending())
	}
	if !s.feeder.Flushing() {
		t.Error("feeder not flushing after Stop")
	}
	s.Reset()
	if s.feeder.Flushing() {
		t.Error("feeder flushing after Reset")
	}
}

// runSpeaker drives only the speech stage so a test can step the feeder by
// hand.
func runSpeaker(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.speaker.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// tickFeeder runs one feeder step and returns the chunks it forwarded.
func tickFeeder(t *testing.T, s *Session) []audio.Chunk {
	t.Helper()
	if err := s.feeder.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	s.queues.Mels.Clear()
	var out []audio.Chunk
	for {
		c, ok := s.queues.AudioOut.TryGet()
		if !ok {
			return out
		}
		out = append(out, c)
	}
}

func TestSession_SpeechAfterStopIsSpoken(t *testing.T) {
	t.Parallel()

	cfg, _, _, _ := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)
	runSpeaker(t, s)

	if err := s.Echo("interrupted", tts.VoiceProfile{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "interrupted speech in audio-in", func() bool { return s.queues.AudioIn.Len() == 5 })

	s.Stop()
	if n := s.queues.AudioIn.Len(); n != 0 {
		t.Fatalf("audio-in holds %d chunks after Stop returned, want 0", n)
	}

	if err := s.Echo("after stop", tts.VoiceProfile{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "new speech in audio-in", func() bool { return s.queues.AudioIn.Len() == 5 })

	// The flush tick plays silence and leaves the new utterance queued.
	for i, c := range tickFeeder(t, s) {
		if c.IsTalking() {
			t.Errorf("flush tick chunk %d is talking", i)
		}
	}
	if n := s.queues.AudioIn.Len(); n != 5 {
		t.Fatalf("audio-in len after flush tick = %d, want 5", n)
	}

	chunks := tickFeeder(t, s)
	if len(chunks) != 2*cfg.BatchSize {
		t.Fatalf("forwarded %d chunks, want %d", len(chunks), 2*cfg.BatchSize)
	}
	for i, c := range chunks {
		if !c.IsTalking() || c.Meta == nil || c.Meta.Message != "after stop" {
			t.Errorf("chunk %d = {talking:%v meta:%+v}, want speech of %q", i, c.IsTalking(), c.Meta, "after stop")
		}
	}
}

func silentFrame(f transportmock.AudioFrame) bool {
	for _, v := range f.Samples {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestSession_StopSilencesRunningSpeech(t *testing.T) {
	t.Parallel()

	cfg, _, provider, sink := testConfig(t)
	// Eight seconds of speech: far longer than the test runs.
	provider.SynthesizeChunks = [][]byte{speechPCM(400 * audio.ChunkSize)}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)

	if err := s.Echo("a very long answer", tts.VoiceProfile{}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "speech on the sink", func() bool {
		for _, f := range sink.Audio() {
			if !silentFrame(f) {
				return true
			}
		}
		return false
	})

	s.Stop()
	if n := s.queues.AudioIn.Len(); n != 0 {
		t.Errorf("audio-in holds %d chunks after Stop, want 0", n)
	}

	// Speech already past the feeder drains out; after that only silence.
	var quietFrom int
	waitFor(t, "silence after Stop", func() bool {
		frames := sink.Audio()
		run := 0
		for i := len(frames) - 1; i >= 0 && silentFrame(frames[i]); i-- {
			run++
		}
		quietFrom = len(frames) - run
		return run >= 4*cfg.BatchSize
	})
	time.Sleep(300 * time.Millisecond)
	for i, f := range sink.Audio()[quietFrom:] {
		if !silentFrame(f) {
			t.Fatalf("speech resumed at frame %d after Stop", quietFrom+i)
		}
	}
}

func TestSession_WarmupUsesBatchSize(t *testing.T) {
	t.Parallel()

	cfg, model, _, _ := testConfig(t)
	cfg.Warmup = true
	cfg.BatchSize = 3
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)

	calls := model.PredictCalls()
	if len(calls) == 0 {
		t.Fatal("warmup did not call the model")
	}
	if calls[0].Batch != 3 || calls[0].Size != testFace {
		t.Errorf("warmup batch/size = %d/%d, want 3/%d", calls[0].Batch, calls[0].Size, testFace)
	}
}

func TestSession_Chat(t *testing.T) {
	t.Parallel()

	cfg, _, provider, _ := testConfig(t)
	cfg.LLM = &llmmock.Provider{StreamChunks: []llm.Chunk{
		{Text: "Hello "},
		{Text: "there. How are"},
		{Text: " you?", FinishReason: "stop"},
	}}
	cfg.SystemPrompt = "be brief"
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)

	if err := s.Chat("hi", tts.VoiceProfile{}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	waitFor(t, "both sentences", func() bool { return len(provider.Calls()) >= 2 })
	calls := provider.Calls()
	if calls[0].Text != "Hello there." || calls[1].Text != "How are you?" {
		t.Errorf("spoken = %q, %q", calls[0].Text, calls[1].Text)
	}

	waitFor(t, "assistant turn", func() bool {
		h, _ := s.History(context.Background())
		return len(h) == 2
	})
	h, _ := s.History(context.Background())
	if h[0].Role != llm.RoleUser || h[1].Content != "Hello there. How are you?" {
		t.Errorf("history = %+v", h)
	}

	if err := s.ClearHistory(context.Background()); err != nil {
		t.Fatal(err)
	}
	if h, _ := s.History(context.Background()); len(h) != 0 {
		t.Errorf("history len = %d after clear", len(h))
	}
}

func TestSession_ChatWithoutLLM(t *testing.T) {
	t.Parallel()

	cfg, _, _, _ := testConfig(t)
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer closeSession(t, s)
	if err := s.Chat("hi", tts.VoiceProfile{}); !errors.Is(err, ErrNoLLM) {
		t.Errorf("Chat err = %v, want ErrNoLLM", err)
	}
}

func TestSession_StopResponse(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	cfg, _, _, _ := testConfig(t)
	cfg.LLM = &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "First part. "}, {Text: "Never said.", FinishReason: "stop"}},
		Gate:         gate,
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := s.Chat("talk", tts.VoiceProfile{}); err != nil {
		t.Fatal(err)
	}
	timeout := time.After(3 * time.Second)
	for spoke := false; !spoke; {
		select {
		case e := <-events:
			spoke = e.Type == EventSpeak && e.Text == "First part."
		case <-timeout:
			t.Fatal("first sentence never spoken")
		}
	}

	s.StopResponse()
	close(gate)
	closeSession(t, s)

	h, _ := s.History(context.Background())
	if len(h) != 2 || h[1].Content != "First part." {
		t.Errorf("history = %+v, want interrupted reply", h)
	}
}

func TestClearFirstRowLSB(t *testing.T) {
	t.Parallel()

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for i := range img.Pix {
		img.Pix[i] = 0xFF
	}
	clearFirstRowLSB(img)
	if got := img.RGBAAt(1, 0); got != (color.RGBA{0xFE, 0xFE, 0xFE, 0xFF}) {
		t.Errorf("first row = %v", got)
	}
	if got := img.RGBAAt(1, 1); got != (color.RGBA{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("second row = %v, want untouched", got)
	}

	frames := avatarmock.NewFrames(2, 4, 8, 8)
	frames.Full[1].Pix[0] = 11
	PrepareFrames(frames)
	if frames.Full[1].Pix[0] != 10 {
		t.Errorf("prepared pixel = %d, want 10", frames.Full[1].Pix[0])
	}
}

func TestSentenceBoundary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want int
	}{
		{"Hello there. Next", 12},
		{"No end yet", -1},
		{"Version 1.5 is out", -1},
		{"Really?! Yes", 8},
		{"你好。再见", len("你好。")},
		{"line one\nline two", 8},
		{"trailing.", -1},
	}
	for _, tt := range tests {
		if got := sentenceBoundary(tt.in); got != tt.want {
			t.Errorf("sentenceBoundary(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestHub(t *testing.T) {
	t.Parallel()

	var h hub
	h.subs = make(map[chan Event]struct{})
	ch, unsubscribe := h.subscribe()
	h.publish(Event{Type: EventSpeak, Text: "x"})
	if e := <-ch; e.Text != "x" {
		t.Errorf("event = %+v", e)
	}
	unsubscribe()
	unsubscribe()
	if _, ok := <-ch; ok {
		t.Error("channel open after unsubscribe")
	}

	h.close()
	late, _ := h.subscribe()
	if _, ok := <-late; ok {
		t.Error("subscription after close is open")
	}
}
