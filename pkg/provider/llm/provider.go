// Package llm defines the Provider interface for chat-completion backends that
// drive the avatar's conversational replies.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed when the stream ends or ctx is cancelled.
package llm

import "context"

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FinishReasonError marks a Chunk that carries a mid-stream failure in Text.
const FinishReasonError = "error"

// Message is one turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest carries everything the model needs to produce a reply.
type CompletionRequest struct {
	// Messages is the ordered conversation history, oldest first.
	Messages []Message

	// SystemPrompt, if set, is sent ahead of Messages.
	SystemPrompt string

	// Temperature of 0 means the provider default.
	Temperature float64

	// MaxTokens of 0 means the provider default.
	MaxTokens int
}

// Chunk is a fragment of a streaming completion.
type Chunk struct {
	Text string

	// FinishReason is set on the final chunk ("stop", "length", or
	// [FinishReasonError]).
	FinishReason string
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// StreamCompletion starts a completion and returns its chunks. Errors after
	// the stream has opened arrive as a Chunk with FinishReason
	// [FinishReasonError]. The returned channel is never nil when err is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
