// Package mock is a scripted llm.Provider for tests.
//
//	p := &mock.Provider{StreamChunks: []llm.Chunk{{Text: "Hello. "}, {Text: "Bye.", FinishReason: "stop"}}}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/lipsync/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

// StreamCall is one recorded StreamCompletion invocation.
type StreamCall struct {
	Ctx context.Context
	Req llm.CompletionRequest
}

// Provider replays StreamChunks on every call.
type Provider struct {
	mu sync.Mutex

	StreamChunks []llm.Chunk

	// StreamErr fails the call before a stream is opened.
	StreamErr error

	// Gate holds every chunk after the first until it yields a value or is
	// closed, so a test can catch a reply mid-sentence.
	Gate <-chan struct{}

	StreamCalls []StreamCall
}

func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	chunks, gate, err := slices.Clone(p.StreamChunks), p.Gate, p.StreamErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for i, c := range chunks {
			if i > 0 && gate != nil && !wait(ctx, gate) {
				return
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func wait(ctx context.Context, gate <-chan struct{}) bool {
	select {
	case <-gate:
		return true
	case <-ctx.Done():
		return false
	}
}

// Calls returns a copy of StreamCalls.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.StreamCalls)
}
