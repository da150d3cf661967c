package opus

import (
	"testing"

	"github.com/MrWong99/lipsync/pkg/audio"
)

func TestEncoder_EncodesOneChunk(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	packet, err := enc.Encode(audio.SilentChunk().Samples)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(packet) == 0 {
		t.Error("expected a non-empty opus packet")
	}
}

func TestEncoder_RejectsWrongFrameSize(t *testing.T) {
	enc, err := NewEncoder()
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if _, err := enc.Encode(make([]float32, 100)); err == nil {
		t.Error("expected error for a short frame")
	}
}
