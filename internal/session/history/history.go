// Package history stores the chat transcript of each avatar session.
//
// Two implementations are provided: [MemoryStore], the default, and
// [PostgresStore], used when a PostgreSQL DSN is configured so transcripts
// survive restarts.
package history

import (
	"context"

	"github.com/MrWong99/lipsync/pkg/provider/llm"
)

// Store persists conversation turns per session.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds messages to the end of the session's history.
	Append(ctx context.Context, sessionID string, msgs ...llm.Message) error

	// Messages returns the session's history, oldest first. An unknown
	// session yields an empty slice.
	Messages(ctx context.Context, sessionID string) ([]llm.Message, error)

	// Clear deletes the session's history.
	Clear(ctx context.Context, sessionID string) error
}

// charsPerToken is the heuristic used to bound history size without a
// tokenizer.
const charsPerToken = 4

func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// Trim drops the oldest messages until the estimated token count of msgs is
// at most maxTokens. The newest message is always kept. maxTokens <= 0
// disables trimming.
func Trim(msgs []llm.Message, maxTokens int) []llm.Message {
	if maxTokens <= 0 || len(msgs) == 0 {
		return msgs
	}
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m)
	}
	start := 0
	for total > maxTokens && start < len(msgs)-1 {
		total -= estimateTokens(msgs[start])
		start++
	}
	return msgs[start:]
}
