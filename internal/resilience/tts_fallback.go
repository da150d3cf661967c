package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with failover across TTS servers that
// produce the same PCM rate. Each server has its own circuit breaker.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
	rate  int
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
		rate:  primary.SampleRate(),
	}
}

// AddFallback registers an additional TTS provider. The speech stage resamples
// by the rate reported before synthesis starts, so a provider with a different
// rate than the primary is rejected.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) error {
	if r := provider.SampleRate(); r != f.rate {
		return fmt.Errorf("resilience: tts fallback %q produces %d Hz, primary produces %d Hz", name, r, f.rate)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// SynthesizeStream starts the utterance on the first healthy provider that
// delivers PCM. A provider whose stream closes before the first chunk is
// treated as failed. Once audio flows the provider is committed: a stream
// that breaks midway ends the utterance early.
func (f *TTSFallback) SynthesizeStream(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		ch, err := p.SynthesizeStream(ctx, text, voice)
		if err != nil {
			return nil, err
		}
		return openStream(ctx, ch, nil)
	})
}

// SampleRate implements tts.Provider.
func (f *TTSFallback) SampleRate() int {
	return f.rate
}

// Names returns provider names in failover order.
func (f *TTSFallback) Names() []string {
	return f.group.Names()
}

// Healthy reports an error when every provider's breaker is open.
func (f *TTSFallback) Healthy(context.Context) error {
	return f.group.Healthy()
}
