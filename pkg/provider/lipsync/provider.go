// Package lipsync defines the Model interface for batched lip-sync networks
// (Wav2Lip and compatible models).
//
// A model receives B face crops and B mel windows and returns B predicted
// mouth-region crops. All tensors are flat float32 slices in row-major order:
//
//	mel   [B, 1, 80, 16]   normalised log-mel windows
//	faces [B, 6, S, S]     masked + reference crop, BGR, scaled to [0,1]
//	out   [B, S, S, 3]     predicted crop, BGR, in [0,1]
//
// Implementations must be safe for use by one goroutine at a time; each
// session owns its own Model.
package lipsync

import (
	"context"
	"fmt"
)

const (
	// MelBands and MelSteps are the dimensions of one mel window.
	MelBands = 80
	MelSteps = 16

	// FaceChannels is the number of input channels (masked + reference BGR).
	FaceChannels = 6

	// OutChannels is the number of channels of a predicted crop.
	OutChannels = 3

	// WarmupBatch is the batch size used by Warmup when none is given.
	WarmupBatch = 16
)

// Model is the abstraction over a lip-sync inference backend.
type Model interface {
	// Predict runs one batch. size is the square face crop edge length S.
	Predict(ctx context.Context, mel, faces []float32, batch, size int) ([]float32, error)

	// Close releases backend resources. Calling Close twice is safe.
	Close() error
}

// CheckInput reports whether mel and faces match the declared batch and size.
func CheckInput(mel, faces []float32, batch, size int) error {
	if batch <= 0 || size <= 0 {
		return fmt.Errorf("lipsync: invalid batch %d / size %d", batch, size)
	}
	if want := batch * MelBands * MelSteps; len(mel) != want {
		return fmt.Errorf("lipsync: mel has %d values, want %d", len(mel), want)
	}
	if want := batch * FaceChannels * size * size; len(faces) != want {
		return fmt.Errorf("lipsync: faces has %d values, want %d", len(faces), want)
	}
	return nil
}

// OutputLen is the length of a Predict result for batch and size.
func OutputLen(batch, size int) int {
	return batch * size * size * OutChannels
}

// Warmup runs one batch of ones through m so that the first real inference
// does not pay for graph compilation.
func Warmup(ctx context.Context, m Model, batch, size int) error {
	if batch <= 0 {
		batch = WarmupBatch
	}
	mel := ones(batch * MelBands * MelSteps)
	faces := ones(batch * FaceChannels * size * size)
	if _, err := m.Predict(ctx, mel, faces, batch, size); err != nil {
		return fmt.Errorf("lipsync: warmup: %w", err)
	}
	return nil
}

func ones(n int) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = 1
	}
	return s
}
