// Package audio holds the fixed-size PCM chunk type that flows between the
// speech, feature and compositing stages, and the sample conversion helpers
// used to produce it.
package audio

// Pipeline audio format. Every chunk carries exactly ChunkSize float32 samples
// at SampleRate, i.e. half a video frame (20 ms).
const (
	SampleRate = 16000
	FPS        = 25
	ChunkSize  = SampleRate / FPS / 2
)

// SpeechState tags a chunk as real speech or synthetic silence.
type SpeechState int

const (
	// Silent chunks are zero-filled and never trigger inference.
	Silent SpeechState = iota

	// Talking chunks come from a TTS stream.
	Talking
)

// String implements fmt.Stringer.
func (s SpeechState) String() string {
	switch s {
	case Talking:
		return "talking"
	case Silent:
		return "silent"
	default:
		return "unknown"
	}
}

// Metadata travels with the chunks of one utterance. It carries the caption
// and the voice parameters the utterance was synthesised with.
type Metadata struct {
	// Message is the utterance text, rendered as a caption.
	Message string

	// LanguageCode is a BCP 47 tag such as "en-US" or "zh-TW".
	LanguageCode string

	Voice string
	Model string
	Speed float64
}

// Chunk is one 20 ms slice of mono PCM. Chunks are immutable once enqueued.
type Chunk struct {
	Samples []float32
	State   SpeechState

	// Meta is nil for silence.
	Meta *Metadata
}

// SilentChunk returns a zero-filled chunk of ChunkSize samples.
func SilentChunk() Chunk {
	return Chunk{Samples: make([]float32, ChunkSize), State: Silent}
}

// IsTalking reports whether c carries speech.
func (c Chunk) IsTalking() bool {
	return c.State == Talking
}

// Drain discards whatever is left on a PCM or chunk stream until its producer
// closes it. Call it after abandoning an utterance midway.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
