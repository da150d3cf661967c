// Package tts defines the Provider interface for streaming Text-to-Speech
// backends.
//
// A TTS provider wraps a speech synthesis service (an OpenAI-compatible
// /audio/speech endpoint, a Kokoro server, ...) and presents a uniform
// streaming interface: one utterance in, a stream of raw PCM byte slices out.
// The speech stage resamples the stream to the pipeline rate and slices it into
// fixed chunks, so providers never need to know about chunk boundaries.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream synthesises text with the given voice and returns a
	// channel of little-endian int16 mono PCM at [Provider.SampleRate]. Slice
	// boundaries are arbitrary and may split a sample.
	//
	// The channel is closed when the utterance is complete, when the provider
	// fails mid-stream or when ctx is cancelled. The caller must drain it.
	//
	// A non-nil error means the stream could not be started, including a
	// non-success response from the service.
	SynthesizeStream(ctx context.Context, text string, voice VoiceProfile) (<-chan []byte, error)

	// SampleRate returns the native rate of the PCM emitted by SynthesizeStream.
	SampleRate() int
}
