package history

import (
	"context"
	"sync"

	"github.com/MrWong99/lipsync/pkg/provider/llm"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps histories in process memory. Each session is capped at
// MaxTokens estimated tokens; older turns are dropped first.
type MemoryStore struct {
	maxTokens int

	mu       sync.Mutex
	sessions map[string][]llm.Message
}

// NewMemoryStore creates a MemoryStore. maxTokens <= 0 means unbounded.
func NewMemoryStore(maxTokens int) *MemoryStore {
	return &MemoryStore{maxTokens: maxTokens, sessions: make(map[string][]llm.Message)}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, sessionID string, msgs ...llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.sessions[sessionID], msgs...)
	s.sessions[sessionID] = Trim(h, s.maxTokens)
	return nil
}

// Messages implements [Store].
func (s *MemoryStore) Messages(_ context.Context, sessionID string) ([]llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.sessions[sessionID]
	out := make([]llm.Message, len(h))
	copy(out, h)
	return out, nil
}

// Clear implements [Store].
func (s *MemoryStore) Clear(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}
