package speech

import "github.com/MrWong99/lipsync/pkg/audio"

// chunker converts a native-rate s16le byte stream into pipeline chunks.
// Bytes are regrouped into 200 ms blocks before resampling; samples left
// over after slicing carry into the next block.
type chunker struct {
	rate int
	meta *audio.Metadata

	pending []byte
	carry   []float32
}

func (c *chunker) blockBytes() int {
	return max(2, c.rate/5*2)
}

// write consumes b and returns every chunk completed by it.
func (c *chunker) write(b []byte) []audio.Chunk {
	c.pending = append(c.pending, b...)
	block := c.blockBytes()
	var out []audio.Chunk
	for len(c.pending) >= block {
		out = c.resample(c.pending[:block], out)
		c.pending = c.pending[block:]
	}
	if len(c.pending) == 0 {
		c.pending = nil
	}
	return out
}

// flush resamples the remaining bytes, dropping a trailing odd byte, and
// zero-pads the last partial chunk.
func (c *chunker) flush() []audio.Chunk {
	var out []audio.Chunk
	if n := len(c.pending) &^ 1; n > 0 {
		out = c.resample(c.pending[:n], out)
	}
	c.pending = nil
	if len(c.carry) > 0 {
		for _, piece := range audio.Split(c.carry, audio.ChunkSize) {
			out = append(out, audio.Chunk{Samples: piece, State: audio.Talking, Meta: c.meta})
		}
		c.carry = nil
	}
	return out
}

func (c *chunker) resample(pcm []byte, out []audio.Chunk) []audio.Chunk {
	samples := audio.Resample(audio.DecodePCM16(pcm), c.rate, audio.SampleRate)
	c.carry = append(c.carry, samples...)
	n := len(c.carry) / audio.ChunkSize * audio.ChunkSize
	if n == 0 {
		return out
	}
	for _, piece := range audio.Split(c.carry[:n], audio.ChunkSize) {
		out = append(out, audio.Chunk{Samples: piece, State: audio.Talking, Meta: c.meta})
	}
	c.carry = append([]float32(nil), c.carry[n:]...)
	return out
}
