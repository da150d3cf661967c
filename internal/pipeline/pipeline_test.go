package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
	"time"

	"github.com/MrWong99/lipsync/internal/caption"
	"github.com/MrWong99/lipsync/pkg/audio"
	"github.com/MrWong99/lipsync/pkg/avatar"
	avatarmock "github.com/MrWong99/lipsync/pkg/avatar/mock"
	"github.com/MrWong99/lipsync/pkg/mel"
	lipsyncmock "github.com/MrWong99/lipsync/pkg/provider/lipsync/mock"
)

const faceSize = 8

func talkingChunk(meta *audio.Metadata) audio.Chunk {
	s := make([]float32, audio.ChunkSize)
	for i := range s {
		s[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/audio.SampleRate))
	}
	return audio.Chunk{Samples: s, State: audio.Talking, Meta: meta}
}

func fillRGBA(size int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := range size {
		for x := range size {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestFeeder_EmptyInputEmitsSilence(t *testing.T) {
	t.Parallel()

	q := NewQueues(2, 0)
	f := NewFeeder(2, q)
	ctx := context.Background()

	if err := f.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if got := q.AudioOut.Len(); got != 4 {
		t.Fatalf("audio-out len = %d, want 4", got)
	}
	for range 4 {
		c, _ := q.AudioOut.TryGet()
		if c.IsTalking() || len(c.Samples) != audio.ChunkSize {
			t.Errorf("chunk = %v/%d samples, want silent/%d", c.State, len(c.Samples), audio.ChunkSize)
		}
	}
	// Four buffered chunks are only the strides, nothing to window yet.
	if got := q.Mels.Len(); got != 0 {
		t.Errorf("mel queue len = %d, want 0", got)
	}
}

func TestFeeder_FirstTickWindowCount(t *testing.T) {
	t.Parallel()

	q := NewQueues(16, 0)
	f := NewFeeder(16, q)
	if err := f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	windows, ok := q.Mels.TryGet()
	if !ok {
		t.Fatal("no mel batch")
	}
	if len(windows) != 14 {
		t.Errorf("windows = %d, want 14", len(windows))
	}
	for i, w := range windows {
		if len(w) != mel.WindowLen {
			t.Fatalf("window %d len = %d, want %d", i, len(w), mel.WindowLen)
		}
	}

	if err := f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	windows, _ = q.Mels.TryGet()
	if len(windows) != 16 {
		t.Errorf("steady-state windows = %d, want 16", len(windows))
	}
}

func TestFeeder_ForwardsInOrder(t *testing.T) {
	t.Parallel()

	q := NewQueues(2, 0)
	f := NewFeeder(2, q)
	meta := &audio.Metadata{Message: "hi"}
	for range 3 {
		q.AudioIn.TryPut(talkingChunk(meta))
	}
	if err := f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	want := []audio.SpeechState{audio.Talking, audio.Talking, audio.Talking, audio.Silent}
	for i, w := range want {
		c, _ := q.AudioOut.TryGet()
		if c.State != w {
			t.Errorf("chunk %d state = %v, want %v", i, c.State, w)
		}
	}
}

func TestFeeder_Flush(t *testing.T) {
	t.Parallel()

	q := NewQueues(2, 0)
	f := NewFeeder(2, q)
	for range 10 {
		q.AudioIn.TryPut(talkingChunk(nil))
	}
	f.Flush()
	if !f.Flushing() {
		t.Fatal("Flushing = false after Flush")
	}
	if err := f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.Flushing() {
		t.Error("Flushing = true after flush tick")
	}
	for range 4 {
		c, _ := q.AudioOut.TryGet()
		if c.IsTalking() {
			t.Error("flush tick forwarded speech")
		}
	}
	// Whatever is in audio-in was queued after the interruption and plays
	// on the following tick.
	if got := q.AudioIn.Len(); got != 10 {
		t.Errorf("audio-in len after flush tick = %d, want 10", got)
	}
	q.Mels.Clear()
	if err := f.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	for range 4 {
		if c, _ := q.AudioOut.TryGet(); !c.IsTalking() {
			t.Error("tick after flush dropped speech")
		}
	}

	f.Flush()
	f.Reset()
	if f.Flushing() {
		t.Error("Flushing = true after Reset")
	}
}

func TestFeeder_Backpressure(t *testing.T) {
	t.Parallel()

	q := NewQueues(2, 0)
	f := NewFeeder(2, q)
	ctx := context.Background()
	// Tick 1 fills only the strides; ticks 2 and 3 fill the mel queue.
	for i := range 3 {
		if err := f.Tick(ctx); err != nil {
			t.Fatalf("Tick %d: %v", i, err)
		}
	}
	if got := q.Mels.Len(); got != MelQueueDepth {
		t.Fatalf("mel queue len = %d, want %d", got, MelQueueDepth)
	}

	tctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := f.Tick(tctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Tick on full mel queue err = %v, want DeadlineExceeded", err)
	}
}

func TestFitBatch(t *testing.T) {
	t.Parallel()

	a := mel.Window{1}
	b := mel.Window{2}
	tests := []struct {
		name string
		in   []mel.Window
		n    int
		want []float32
	}{
		{name: "exact", in: []mel.Window{a, b}, n: 2, want: []float32{1, 2}},
		{name: "pad repeats last", in: []mel.Window{a, b}, n: 4, want: []float32{1, 2, 2, 2}},
		{name: "truncate", in: []mel.Window{a, b}, n: 1, want: []float32{1}},
		{name: "empty pads silence", in: nil, n: 1, want: []float32{mel.MinValue}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := fitBatch(tt.in, tt.n)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i, w := range got {
				if w[0] != tt.want[i] {
					t.Errorf("window %d[0] = %v, want %v", i, w[0], tt.want[i])
				}
			}
		})
	}
}

func TestFaceTensor(t *testing.T) {
	t.Parallel()

	const size = 4
	face := fillRGBA(size, color.RGBA{R: 255, G: 51, B: 102, A: 255})
	got := faceTensor([]*image.RGBA{face}, size)
	if len(got) != 6*size*size {
		t.Fatalf("len = %d, want %d", len(got), 6*size*size)
	}
	plane := size * size
	at := func(c, y, x int) float32 { return got[c*plane+y*size+x] }

	// BGR order in both halves.
	wantBGR := []float32{102.0 / 255, 51.0 / 255, 1}
	for c, w := range wantBGR {
		if v := at(c, 0, 0); v != w {
			t.Errorf("masked channel %d top = %v, want %v", c, v, w)
		}
		if v := at(c, size-1, 0); v != 0 {
			t.Errorf("masked channel %d bottom = %v, want 0", c, v)
		}
		if v := at(c+3, size-1, 0); v != w {
			t.Errorf("reference channel %d bottom = %v, want %v", c+3, v, w)
		}
	}
}

func TestPredictionImage_SwapsToRGB(t *testing.T) {
	t.Parallel()

	const size = 2
	pred := make([]float32, 2*size*size*3)
	// Sample 1: pure blue in BGR, with one out-of-range value.
	for p := range size * size {
		pred[size*size*3+p*3] = 1
	}
	pred[size*size*3+1] = 2

	img := predictionImage(pred, 1, size)
	if got := img.RGBAAt(1, 1); got != (color.RGBA{B: 255, A: 255}) {
		t.Errorf("pixel = %v, want blue", got)
	}
	if got := img.RGBAAt(0, 0); got != (color.RGBA{G: 255, B: 255, A: 255}) {
		t.Errorf("clamped pixel = %v, want cyan", got)
	}
}

func TestInferencer_SilentBatchSkipsModel(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(3, faceSize, 32, 32)
	q := NewQueues(2, 0)
	model := &lipsyncmock.Model{}
	in := NewInferencer(model, frames, 2, q, Options{})
	ctx := context.Background()

	q.Mels.TryPut([]mel.Window{make(mel.Window, mel.WindowLen)})
	for range 4 {
		q.AudioOut.TryPut(audio.SilentChunk())
	}
	if err := in.Step(ctx); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if n := len(model.PredictCalls()); n != 0 {
		t.Errorf("Predict calls = %d, want 0", n)
	}
	for want := range 2 {
		r, _ := q.Results.TryGet()
		if r.Pixels != nil || r.Index != want {
			t.Errorf("result = {pixels:%v index:%d}, want {nil %d}", r.Pixels != nil, r.Index, want)
		}
	}
	if in.Index() != 2 {
		t.Errorf("Index = %d, want 2", in.Index())
	}
}

func TestInferencer_TalkingBatch(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(3, faceSize, 32, 32)
	q := NewQueues(2, 0)
	model := &lipsyncmock.Model{Value: 0.5}
	in := NewInferencer(model, frames, 2, q, Options{})

	w := make(mel.Window, mel.WindowLen)
	q.Mels.TryPut([]mel.Window{w})
	q.AudioOut.TryPut(talkingChunk(nil))
	for range 3 {
		q.AudioOut.TryPut(audio.SilentChunk())
	}
	if err := in.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}

	calls := model.PredictCalls()
	if len(calls) != 1 {
		t.Fatalf("Predict calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if c.Batch != 2 || c.Size != faceSize {
		t.Errorf("Predict batch/size = %d/%d, want 2/%d", c.Batch, c.Size, faceSize)
	}
	if len(c.Mel) != 2*mel.WindowLen {
		t.Errorf("mel len = %d, want padded to %d", len(c.Mel), 2*mel.WindowLen)
	}
	// Face 1 is green 10; its reference G channel sits at channel 4.
	plane := faceSize * faceSize
	if got, want := c.Faces[6*plane+4*plane], float32(10)/255; got != want {
		t.Errorf("face 1 reference G = %v, want %v", got, want)
	}

	for want := range 2 {
		r, _ := q.Results.TryGet()
		if r.Pixels == nil {
			t.Fatalf("result %d has no pixels", want)
		}
		if r.Index != want {
			t.Errorf("result index = %d, want %d", r.Index, want)
		}
		if got := r.Pixels.RGBAAt(0, 0); got != (color.RGBA{127, 127, 127, 255}) {
			t.Errorf("pixel = %v, want 127 grey", got)
		}
	}
}

func TestInferencer_ModelErrorIsFatal(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(2, faceSize, 32, 32)
	q := NewQueues(1, 0)
	boom := errors.New("boom")
	in := NewInferencer(&lipsyncmock.Model{Err: boom}, frames, 1, q, Options{})

	q.Mels.TryPut([]mel.Window{make(mel.Window, mel.WindowLen)})
	q.AudioOut.TryPut(talkingChunk(nil))
	q.AudioOut.TryPut(talkingChunk(nil))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := in.Run(ctx); !errors.Is(err, boom) {
		t.Fatalf("Run err = %v, want boom", err)
	}
}

func TestInferencer_RunStopsOnCancel(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(2, faceSize, 32, 32)
	in := NewInferencer(&lipsyncmock.Model{}, frames, 1, NewQueues(1, 0), Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := in.Run(ctx); err != nil {
		t.Fatalf("Run err = %v, want nil", err)
	}
}

func TestCompositor_IdleReusesBaseFrame(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(3, faceSize, 32, 32)
	q := NewQueues(1, 0)
	c := NewCompositor(frames, q, nil, Options{})

	q.Results.TryPut(Result{Index: 2, Audio: [2]audio.Chunk{audio.SilentChunk(), audio.SilentChunk()}})
	if err := c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	out, ok := q.Combined.TryGet()
	if !ok {
		t.Fatal("no composite")
	}
	if out.Image != frames.Full[2] {
		t.Error("idle composite is not the base frame")
	}
}

func TestCompositor_PastesPrediction(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(2, faceSize, 32, 32)
	q := NewQueues(1, 0)
	c := NewCompositor(frames, q, nil, Options{})
	blue := color.RGBA{B: 255, A: 255}

	q.Results.TryPut(Result{
		Pixels: fillRGBA(faceSize, blue),
		Index:  1,
		Audio:  [2]audio.Chunk{talkingChunk(nil), audio.SilentChunk()},
	})
	if err := c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	out, _ := q.Combined.TryGet()
	if out.Image == frames.Full[1] {
		t.Fatal("talking composite aliases the base frame")
	}
	box := frames.Coords[1]
	mid := image.Pt((box.X1+box.X2)/2, (box.Y1+box.Y2)/2)
	if got := out.Image.RGBAAt(mid.X, mid.Y); got != blue {
		t.Errorf("box centre = %v, want %v", got, blue)
	}
	if got, want := out.Image.RGBAAt(0, 0), (color.RGBA{R: 10, A: 255}); got != want {
		t.Errorf("outside box = %v, want %v", got, want)
	}
	if got := frames.Full[1].RGBAAt(mid.X, mid.Y); got == blue {
		t.Error("base frame was modified")
	}
}

func TestCompositor_DrawsCaption(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(1, 64, caption.ReferenceWidth, 400)
	q := NewQueues(1, 0)
	f, err := caption.LoadFont("")
	if err != nil {
		t.Fatalf("LoadFont: %v", err)
	}
	c := NewCompositor(frames, q, caption.NewRenderer(f, 0), Options{})

	meta := &audio.Metadata{Message: "Hello there", LanguageCode: "en-US"}
	q.Results.TryPut(Result{
		Pixels: fillRGBA(64, color.RGBA{A: 255}),
		Audio:  [2]audio.Chunk{talkingChunk(meta), talkingChunk(meta)},
	})
	if err := c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	out, _ := q.Combined.TryGet()

	white := 0
	b := out.Image.Bounds()
	for y := b.Dy() / 2; y < b.Dy(); y++ {
		for x := range b.Dx() {
			if out.Image.RGBAAt(x, y) == (color.RGBA{255, 255, 255, 255}) {
				white++
			}
		}
	}
	if white == 0 {
		t.Error("no caption pixels in lower half")
	}
}

func TestCompositor_EmptyBoxDropsFrame(t *testing.T) {
	t.Parallel()

	frames := avatarmock.NewFrames(1, faceSize, 32, 32)
	frames.Coords[0] = avatar.Box{}
	q := NewQueues(1, 0)
	c := NewCompositor(frames, q, nil, Options{})

	q.Results.TryPut(Result{
		Pixels: fillRGBA(faceSize, color.RGBA{A: 255}),
		Audio:  [2]audio.Chunk{talkingChunk(nil), talkingChunk(nil)},
	})
	if err := c.Step(context.Background()); err != nil {
		t.Fatalf("Step: %v", err)
	}
	if q.Combined.Len() != 0 {
		t.Error("frame with empty box was emitted")
	}
}

func TestPipeline_SpeechThenFlush(t *testing.T) {
	t.Parallel()

	const batch = 2
	frames := avatarmock.NewFrames(3, faceSize, 32, 32)
	q := NewQueues(batch, 0)
	feeder := NewFeeder(batch, q)
	model := &lipsyncmock.Model{Value: 1}
	inf := NewInferencer(model, frames, batch, q, Options{})
	comp := NewCompositor(frames, q, nil, Options{})
	ctx := context.Background()

	for range 4 {
		q.AudioIn.TryPut(talkingChunk(&audio.Metadata{Message: "x"}))
	}
	if err := feeder.Tick(ctx); err != nil {
		t.Fatalf("Tick 1: %v", err)
	}
	feeder.Flush()
	if err := feeder.Tick(ctx); err != nil {
		t.Fatalf("Tick 2: %v", err)
	}
	if err := inf.Step(ctx); err != nil {
		t.Fatalf("Step 1: %v", err)
	}
	if err := feeder.Tick(ctx); err != nil {
		t.Fatalf("Tick 3: %v", err)
	}
	if err := inf.Step(ctx); err != nil {
		t.Fatalf("Step 2: %v", err)
	}

	wantIdx := []int{0, 1, 2, 2}
	wantPixels := []bool{true, true, false, false}
	for i := range wantIdx {
		r, ok := q.Results.TryGet()
		if !ok {
			t.Fatalf("result %d missing", i)
		}
		if r.Index != wantIdx[i] || (r.Pixels != nil) != wantPixels[i] {
			t.Errorf("result %d = {index:%d pixels:%v}, want {%d %v}", i, r.Index, r.Pixels != nil, wantIdx[i], wantPixels[i])
		}
		q.Results.TryPut(r)
		if err := comp.Step(ctx); err != nil {
			t.Fatalf("compositor step %d: %v", i, err)
		}
		out, _ := q.Combined.TryGet()
		if idle := out.Image == frames.Full[r.Index]; idle == wantPixels[i] {
			t.Errorf("composite %d idle = %v, want %v", i, idle, !wantPixels[i])
		}
	}
	if n := len(model.PredictCalls()); n != 1 {
		t.Errorf("Predict calls = %d, want 1", n)
	}
}
