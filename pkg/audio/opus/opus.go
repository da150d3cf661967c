// Package opus encodes pipeline audio chunks into Opus packets for the media
// transport. One 20 ms chunk at 16 kHz mono is exactly one Opus frame.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/lipsync/pkg/audio"
)

const (
	channels = 1

	// frameSize is the number of samples per 20 ms frame.
	frameSize = audio.ChunkSize

	// maxPacketBytes bounds a single encoded packet.
	maxPacketBytes = 4000
)

// Encoder wraps a gopus encoder for one outgoing audio stream. Encoder state
// carries across frames, so each stream needs its own Encoder.
//
// Encoder is not safe for concurrent use.
type Encoder struct {
	enc *gopus.Encoder
}

// NewEncoder creates an Opus encoder configured for speech at the pipeline
// sample rate.
func NewEncoder() (*Encoder, error) {
	enc, err := gopus.NewEncoder(audio.SampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("opus: create encoder: %w", err)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes one float32 chunk into an Opus packet. The chunk must contain
// exactly [audio.ChunkSize] samples.
func (e *Encoder) Encode(samples []float32) ([]byte, error) {
	return e.EncodeInt16(audio.ToInt16(samples))
}

// EncodeInt16 encodes one chunk of s16 samples.
func (e *Encoder) EncodeInt16(pcm []int16) ([]byte, error) {
	if len(pcm) != frameSize {
		return nil, fmt.Errorf("opus: encode: got %d samples, want %d", len(pcm), frameSize)
	}
	packet, err := e.enc.Encode(pcm, frameSize, maxPacketBytes)
	if err != nil {
		return nil, fmt.Errorf("opus: encode: %w", err)
	}
	return packet, nil
}
