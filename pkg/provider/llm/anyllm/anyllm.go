// Package anyllm streams avatar replies through
// github.com/mozilla-ai/any-llm-go, so the same config block can point at
// OpenAI, Anthropic, Ollama, llama.cpp or a llamafile.
//
//	p, err := anyllm.New("llamacpp", "qwen2.5", anyllmlib.WithBaseURL("http://localhost:8080/v1"))
package anyllm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/MrWong99/lipsync/pkg/provider/llm"
)

var _ llm.Provider = (*Provider)(nil)

type constructor func(...anyllmlib.Option) (anyllmlib.Provider, error)

func wrap[P anyllmlib.Provider](f func(...anyllmlib.Option) (P, error)) constructor {
	return func(opts ...anyllmlib.Option) (anyllmlib.Provider, error) { return f(opts...) }
}

var constructors = map[string]constructor{
	"openai":    wrap(anyllmoai.New),
	"anthropic": wrap(anthropic.New),
	"ollama":    wrap(ollama.New),
	"llamacpp":  wrap(llamacpp.New),
	"llamafile": wrap(llamafile.New),
}

// Backends lists the backend names New accepts, sorted.
var Backends = func() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}()

// Provider is an [llm.Provider] over one any-llm-go backend and model.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for backend (case-insensitive) serving model. Without
// an API key option the backend reads its usual environment variable.
func New(backend, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backend == "" || model == "" {
		return nil, errors.New("anyllm: backend and model are required")
	}
	create, ok := constructors[strings.ToLower(backend)]
	if !ok {
		return nil, fmt.Errorf("anyllm: unsupported backend %q (want one of %s)", backend, strings.Join(Backends, ", "))
	}
	b, err := create(opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %s backend: %w", backend, err)
	}
	return &Provider{backend: b, model: model}, nil
}

// StreamCompletion implements llm.Provider. A backend failure arrives as a
// final chunk with [llm.FinishReasonError].
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anyllm: request has no messages")
	}
	chunks, errs := p.backend.CompletionStream(ctx, p.params(req))

	out := make(chan llm.Chunk, 32)
	send := func(c llm.Chunk) bool {
		select {
		case out <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(out)
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			c := llm.Chunk{Text: chunk.Choices[0].Delta.Content, FinishReason: chunk.Choices[0].FinishReason}
			if c == (llm.Chunk{}) {
				continue
			}
			if !send(c) {
				return
			}
		}
		if err := <-errs; err != nil {
			send(llm.Chunk{Text: err.Error(), FinishReason: llm.FinishReasonError})
		}
	}()
	return out, nil
}

func (p *Provider) params(req llm.CompletionRequest) anyllmlib.CompletionParams {
	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages(req)}
	if req.Temperature != 0 {
		params.Temperature = &req.Temperature
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = &req.MaxTokens
	}
	return params
}

// messages prepends the system prompt, when set, to the conversation.
func messages(req llm.CompletionRequest) []anyllmlib.Message {
	msgs := make([]anyllmlib.Message, 0, len(req.Messages)+1)
	if req.SystemPrompt != "" {
		msgs = append(msgs, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, anyllmlib.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
