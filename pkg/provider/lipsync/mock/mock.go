// Package mock provides a test double for lipsync.Model.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
)

var _ lipsync.Model = (*Model)(nil)

// PredictCall records one Predict invocation.
type PredictCall struct {
	Batch int
	Size  int
	Mel   []float32
	Faces []float32
}

// Model fills every predicted pixel with Value unless PredictFunc is set.
type Model struct {
	mu sync.Mutex

	Value       float32
	Err         error
	PredictFunc func(mel, faces []float32, batch, size int) ([]float32, error)

	Calls  []PredictCall
	Closed int
}

// Predict implements lipsync.Model.
func (m *Model) Predict(_ context.Context, mel, faces []float32, batch, size int) ([]float32, error) {
	if err := lipsync.CheckInput(mel, faces, batch, size); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.Calls = append(m.Calls, PredictCall{Batch: batch, Size: size, Mel: mel, Faces: faces})
	fn, err, v := m.PredictFunc, m.Err, m.Value
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(mel, faces, batch, size)
	}
	out := make([]float32, lipsync.OutputLen(batch, size))
	for i := range out {
		out[i] = v
	}
	return out, nil
}

// Close implements lipsync.Model.
func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed++
	return nil
}

// PredictCalls returns a snapshot of the recorded calls.
func (m *Model) PredictCalls() []PredictCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PredictCall, len(m.Calls))
	copy(out, m.Calls)
	return out
}
