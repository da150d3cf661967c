// Package mock is a scripted tts.Provider. It feeds fixed PCM to the speech
// stage and records the text and voice each utterance was synthesised with.
//
//	p := &mock.Provider{SynthesizeChunks: [][]byte{pcm1, pcm2}, Rate: 24000}
package mock

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

var _ tts.Provider = (*Provider)(nil)

// SynthesizeStreamCall is one recorded SynthesizeStream invocation.
type SynthesizeStreamCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.VoiceProfile
}

type Provider struct {
	mu sync.Mutex

	// SynthesizeChunks is sent, in order, for every utterance.
	SynthesizeChunks [][]byte

	// SynthesizeErr fails the call before a stream is opened.
	SynthesizeErr error

	// Gate delays the first chunk until it yields a value or is closed.
	Gate <-chan struct{}

	// Rate is the reported sample rate; 0 reports 16000.
	Rate int

	SynthesizeStreamCalls []SynthesizeStreamCall
}

func (p *Provider) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Text: text, Voice: voice})
	chunks, gate, err := slices.Clone(p.SynthesizeChunks), p.Gate, p.SynthesizeErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		if gate != nil {
			select {
			case <-gate:
			case <-ctx.Done():
				return
			}
		}
		for _, pcm := range chunks {
			select {
			case ch <- pcm:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *Provider) SampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cmp.Or(p.Rate, 16000)
}

// Calls returns a copy of SynthesizeStreamCalls.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.SynthesizeStreamCalls)
}
