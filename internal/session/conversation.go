package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/lipsync/internal/observe"
	"github.com/MrWong99/lipsync/internal/session/history"
	"github.com/MrWong99/lipsync/pkg/provider/llm"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// ErrNoLLM is returned by chat operations when no LLM provider is configured.
var ErrNoLLM = errors.New("session: no LLM provider configured")

// ConversationConfig configures a [Conversation].
type ConversationConfig struct {
	SessionID string
	LLM       llm.Provider
	Store     history.Store

	// Speak receives each completed sentence of a reply.
	Speak func(text string, voice tts.VoiceProfile) error

	// Interrupt silences the avatar when a reply is cancelled.
	Interrupt func()

	SystemPrompt string
	Temperature  float64
	MaxTokens    int

	// ProviderName labels metrics. Defaults to "llm".
	ProviderName string

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Conversation streams LLM replies for one session and speaks them sentence
// by sentence. At most one reply is in flight; a new user turn cancels the
// previous one.
//
// All methods are safe for concurrent use.
type Conversation struct {
	cfg ConversationConfig
	log *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewConversation creates a Conversation. A nil Store defaults to an
// unbounded [history.MemoryStore].
func NewConversation(cfg ConversationConfig) *Conversation {
	if cfg.Store == nil {
		cfg.Store = history.NewMemoryStore(0)
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "llm"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Conversation{cfg: cfg, log: log.With("session_id", cfg.SessionID)}
}

// Send records text as a user turn and starts streaming the reply in the
// background.
func (c *Conversation) Send(text string, voice tts.VoiceProfile) error {
	if c.cfg.LLM == nil {
		return ErrNoLLM
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("session: conversation closed")
	}
	if c.cancel != nil {
		c.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		if err := c.reply(ctx, text, voice); err != nil && ctx.Err() == nil {
			c.log.Warn("chat reply failed", "err", err)
		}
	}()
	return nil
}

// StopResponse cancels the reply in flight, if any, and silences the avatar.
func (c *Conversation) StopResponse() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	if c.cfg.Interrupt != nil {
		c.cfg.Interrupt()
	}
}

// ClearHistory forgets every turn of the session.
func (c *Conversation) ClearHistory(ctx context.Context) error {
	return c.cfg.Store.Clear(ctx, c.cfg.SessionID)
}

// History returns the recorded turns.
func (c *Conversation) History(ctx context.Context) ([]llm.Message, error) {
	return c.cfg.Store.Messages(ctx, c.cfg.SessionID)
}

// Close cancels the reply in flight and waits for it to finish.
func (c *Conversation) Close() {
	c.mu.Lock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Conversation) reply(ctx context.Context, text string, voice tts.VoiceProfile) error {
	ctx, span := observe.StartSpan(observe.WithSession(ctx, c.cfg.SessionID), observe.SpanChatReply,
		observe.Attr("provider", c.cfg.ProviderName))
	defer span.End()

	user := llm.Message{Role: llm.RoleUser, Content: text}
	if err := c.cfg.Store.Append(ctx, c.cfg.SessionID, user); err != nil {
		return err
	}
	msgs, err := c.cfg.Store.Messages(ctx, c.cfg.SessionID)
	if err != nil {
		return err
	}

	start := time.Now()
	stream, err := c.cfg.LLM.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     msgs,
		SystemPrompt: c.cfg.SystemPrompt,
		Temperature:  c.cfg.Temperature,
		MaxTokens:    c.cfg.MaxTokens,
	})
	if err != nil {
		c.recordRequest(ctx, "error")
		return fmt.Errorf("session: start completion: %w", err)
	}

	var (
		spoken  strings.Builder
		buf     strings.Builder
		failure error
	)
	speak := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || ctx.Err() != nil {
			return
		}
		if err := c.cfg.Speak(s, voice); err != nil {
			c.log.Warn("sentence dropped", "err", err)
			return
		}
		if spoken.Len() > 0 {
			spoken.WriteByte(' ')
		}
		spoken.WriteString(s)
	}

	for chunk := range stream {
		if chunk.FinishReason == llm.FinishReasonError {
			failure = errors.New(chunk.Text)
			continue
		}
		buf.WriteString(chunk.Text)
		for {
			s := buf.String()
			idx := sentenceBoundary(s)
			if idx < 0 {
				break
			}
			buf.Reset()
			buf.WriteString(strings.TrimLeft(s[idx:], " \t\r\n"))
			speak(s[:idx])
		}
	}
	if failure == nil {
		speak(buf.String())
	}

	status := "ok"
	if failure != nil {
		status = "error"
	}
	c.recordRequest(ctx, status)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.LLMDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(observe.Attr("provider", c.cfg.ProviderName)))
	}

	if spoken.Len() > 0 {
		reply := llm.Message{Role: llm.RoleAssistant, Content: spoken.String()}
		// The turn is stored even when the reply was interrupted.
		if err := c.cfg.Store.Append(context.WithoutCancel(ctx), c.cfg.SessionID, reply); err != nil {
			return err
		}
	}
	if failure != nil {
		span.RecordError(failure)
		return fmt.Errorf("session: completion: %w", failure)
	}
	return nil
}

func (c *Conversation) recordRequest(ctx context.Context, status string) {
	if m := c.cfg.Metrics; m != nil {
		m.RecordProviderRequest(ctx, c.cfg.ProviderName, "llm", status)
		if status != "ok" {
			m.RecordProviderError(ctx, c.cfg.ProviderName, "llm")
		}
	}
}

// sentenceBoundary returns the end offset of the first complete sentence in
// s, or -1. Latin terminators count only when followed by whitespace; CJK
// full-width terminators end a sentence on their own.
func sentenceBoundary(s string) int {
	for i, r := range s {
		switch r {
		case '.', '!', '?':
			if i+1 < len(s) {
				switch s[i+1] {
				case ' ', '\n', '\r', '\t':
					return i + 1
				}
			}
		case '。', '！', '？':
			return i + utf8.RuneLen(r)
		case '\n':
			if i > 0 {
				return i
			}
		}
	}
	return -1
}
