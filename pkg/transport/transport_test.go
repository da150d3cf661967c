package transport_test

import (
	"context"
	"errors"
	"image"
	"testing"
	"time"

	"github.com/MrWong99/lipsync/pkg/transport"
	"github.com/MrWong99/lipsync/pkg/transport/mock"
)

func TestPacer_Timestamps(t *testing.T) {
	t.Parallel()

	p := transport.NewPacer(transport.VideoClockRate, transport.VideoPtime)
	if p.Step() != 3600 {
		t.Fatalf("video step = %d, want 3600", p.Step())
	}
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 4; i++ {
		ts, err := p.Next(ctx)
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if want := uint32(i) * 3600; ts != want {
			t.Errorf("frame %d: ts = %d, want %d", i, ts, want)
		}
	}
	// Three 40 ms periods must have elapsed after the anchoring first call.
	if elapsed := time.Since(start); elapsed < 110*time.Millisecond {
		t.Errorf("4 frames took %v, want >= ~120ms", elapsed)
	}
}

func TestPacer_AudioStep(t *testing.T) {
	t.Parallel()

	p := transport.NewPacer(transport.AudioClockRate, transport.AudioPtime)
	if p.Step() != 320 {
		t.Errorf("audio step = %d, want 320", p.Step())
	}
}

func TestPacer_Cancel(t *testing.T) {
	t.Parallel()

	p := transport.NewPacer(1000, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	if _, err := p.Next(ctx); err != nil {
		t.Fatalf("first Next: %v", err)
	}
	cancel()
	if _, err := p.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Next after cancel: err = %v, want context.Canceled", err)
	}
}

func TestTrack_FIFO(t *testing.T) {
	t.Parallel()

	tr := transport.NewTrack[int](1000, time.Millisecond)
	for i := 1; i <= 3; i++ {
		tr.Push(i)
	}
	if tr.Len() != 3 {
		t.Fatalf("Len = %d, want 3", tr.Len())
	}
	ctx := context.Background()
	for want := 1; want <= 3; want++ {
		got, _, err := tr.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if got != want {
			t.Errorf("Recv = %d, want %d", got, want)
		}
	}
}

func TestTrack_RecvBlocksUntilPush(t *testing.T) {
	t.Parallel()

	tr := transport.NewTrack[string](1000, time.Millisecond)
	go func() {
		time.Sleep(20 * time.Millisecond)
		tr.Push("late")
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, _, err := tr.Recv(ctx)
	if err != nil || got != "late" {
		t.Errorf("Recv = %q, %v; want late, nil", got, err)
	}
}

func TestTrack_CadenceStartsAtFirstFrame(t *testing.T) {
	t.Parallel()

	const frames = 6
	tr := transport.NewVideoTrack[int]()
	go func() {
		// A late producer: every frame shows up at once, long after the
		// sender started waiting.
		time.Sleep(300 * time.Millisecond)
		for i := range frames {
			tr.Push(i)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var first time.Time
	for i := range frames {
		got, ts, err := tr.Recv(ctx)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if got != i || ts != uint32(i)*3600 {
			t.Errorf("Recv %d = (%d, ts %d), want (%d, ts %d)", i, got, ts, i, uint32(i)*3600)
		}
		if i == 0 {
			first = time.Now()
		}
	}
	// Five 40 ms periods after the first frame, not a burst.
	if elapsed := time.Since(first); elapsed < 180*time.Millisecond {
		t.Errorf("%d frames took %v after the first, want >= ~200ms", frames, elapsed)
	}
}

func TestTrack_ThrottleDelay(t *testing.T) {
	t.Parallel()

	tr := transport.NewVideoTrack[int]()
	for i := 0; i < 23; i++ {
		tr.Push(i)
	}
	// 23 < 1.5*16 = 24: no throttle.
	if d := tr.ThrottleDelay(16); d != 0 {
		t.Errorf("ThrottleDelay with 23 queued = %v, want 0", d)
	}
	tr.Push(23)
	// 24 frames: 0.04s * 24 * 0.8 = 768ms.
	if d := tr.ThrottleDelay(16); d != 768*time.Millisecond {
		t.Errorf("ThrottleDelay with 24 queued = %v, want 768ms", d)
	}
	tr.Clear()
	if err := tr.Throttle(context.Background(), 16); err != nil {
		t.Errorf("Throttle on empty track: %v", err)
	}
}

func TestStream_RunDeliversAndStopsOnDisconnect(t *testing.T) {
	t.Parallel()

	s := transport.NewStream()
	sink := mock.New()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	s.Video.Push(img)
	s.Audio.Push(make([]int16, 320))
	s.Audio.Push(make([]int16, 320))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background(), sink) }()

	deadline := time.After(2 * time.Second)
	for len(sink.Audio()) < 2 || len(sink.Video()) < 1 {
		select {
		case <-deadline:
			t.Fatalf("frames not delivered: video=%d audio=%d", len(sink.Video()), len(sink.Audio()))
		case <-time.After(5 * time.Millisecond):
		}
	}
	if v := sink.Video()[0]; v.Frame != img || v.Timestamp != 0 {
		t.Errorf("video frame = %+v", v)
	}
	if a := sink.Audio(); a[1].Timestamp != 320 {
		t.Errorf("second audio ts = %d, want 320", a[1].Timestamp)
	}

	sink.Disconnect()
	select {
	case err := <-errCh:
		if !errors.Is(err, transport.ErrSinkClosed) {
			t.Errorf("Run = %v, want ErrSinkClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after disconnect")
	}
}

func TestStream_RunCancel(t *testing.T) {
	t.Parallel()

	s := transport.NewStream()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, mock.New()) }()
	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
