package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/lipsync/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across chat backends.
// When the primary fails or its breaker is open, the next healthy fallback
// serves the reply.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion opens the stream on the first healthy provider. A stream
// whose first chunk is an error chunk fails over like a refused request.
// Errors after the first chunk arrive as chunks and do not fail over, since
// part of the reply may already be spoken.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		ch, err := p.StreamCompletion(ctx, req)
		if err != nil {
			return nil, err
		}
		return openStream(ctx, ch, firstChunkError)
	})
}

func firstChunkError(c llm.Chunk) error {
	if c.FinishReason == llm.FinishReasonError {
		return errors.New(c.Text)
	}
	return nil
}

// Healthy reports an error when every provider's breaker is open.
func (f *LLMFallback) Healthy(context.Context) error {
	return f.group.Healthy()
}
