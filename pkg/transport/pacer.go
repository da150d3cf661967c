// Package transport delivers composited frames to a media sink at wall-clock
// cadence.
//
// Producers push frames into a [Track] as fast as they are produced; the
// sender side drains each track through a [Pacer] so that video leaves at
// 25 fps (90 kHz clock, 40 ms step) and audio at 50 packets/s (16 kHz clock,
// 20 ms step) regardless of how bursty production is.
package transport

import (
	"context"
	"sync"
	"time"
)

// Clock parameters of the two media tracks.
const (
	VideoClockRate = 90000
	VideoPtime     = 40 * time.Millisecond

	AudioClockRate = 16000
	AudioPtime     = 20 * time.Millisecond
)

// Pacer produces RTP timestamps and sleeps until each frame is due.
// It is safe for concurrent use, but a track normally owns one Pacer.
type Pacer struct {
	clockRate int
	ptime     time.Duration
	step      uint32

	mu        sync.Mutex
	started   bool
	start     time.Time
	count     int64
	timestamp uint32

	now func() time.Time
}

// NewPacer creates a Pacer for the given clock rate and frame duration.
func NewPacer(clockRate int, ptime time.Duration) *Pacer {
	return &Pacer{
		clockRate: clockRate,
		ptime:     ptime,
		step:      uint32(float64(clockRate) * ptime.Seconds()),
		now:       time.Now,
	}
}

// Step is the timestamp increment per frame.
func (p *Pacer) Step() uint32 {
	return p.step
}

// Next returns the timestamp of the next frame. The first call returns 0
// immediately and anchors the schedule; later calls advance the timestamp by
// one step and sleep until start + count*ptime. Frames that are already late
// are returned without sleeping.
func (p *Pacer) Next(ctx context.Context) (uint32, error) {
	p.mu.Lock()
	if !p.started {
		p.started = true
		p.start = p.now()
		p.mu.Unlock()
		return 0, nil
	}
	p.timestamp += p.step
	p.count++
	ts := p.timestamp
	due := p.start.Add(time.Duration(p.count) * p.ptime)
	p.mu.Unlock()

	wait := due.Sub(p.now())
	if wait <= 0 {
		return ts, ctx.Err()
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return ts, nil
	case <-ctx.Done():
		return ts, ctx.Err()
	}
}
