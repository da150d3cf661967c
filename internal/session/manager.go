package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/lipsync/internal/observe"
)

var (
	// ErrTooManySessions is returned by Create when the session limit is
	// reached.
	ErrTooManySessions = errors.New("session: session limit reached")

	// ErrSessionExists is returned by Create for a duplicate id.
	ErrSessionExists = errors.New("session: id already in use")
)

// Factory builds the configuration of a new session. It typically loads or
// shares the avatar frames and opens a fresh model instance.
type Factory func(ctx context.Context, id string) (Config, error)

// ManagerConfig configures a [Manager].
type ManagerConfig struct {
	Factory Factory

	// MaxSessions caps concurrent sessions. Zero means unlimited.
	MaxSessions int

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Manager owns the live sessions of the process. Sessions remove themselves
// once they end. All methods are safe for concurrent use.
type Manager struct {
	cfg ManagerConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	reserved map[string]struct{}
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*Session),
		reserved: make(map[string]struct{}),
	}
}

// Create builds and starts a session. An empty id is replaced with a fresh
// short id.
func (m *Manager) Create(ctx context.Context, id string) (*Session, error) {
	id, err := m.reserve(id)
	if err != nil {
		return nil, err
	}
	defer m.release(id)

	cfg, err := m.cfg.Factory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: build %s: %w", id, err)
	}
	cfg.ID = id
	s, err := New(cfg)
	if err != nil {
		if cfg.Model != nil {
			_ = cfg.Model.Close()
		}
		return nil, err
	}
	s.onDone = m.remove

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		m.mu.Lock()
		s.onDone = nil
		delete(m.sessions, id)
		m.mu.Unlock()
		_ = s.Close(ctx)
		return nil, err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ActiveSessions.Add(ctx, 1)
	}
	m.log.Info("session created", "session_id", id, "active", m.Count())
	return s, nil
}

func (m *Manager) reserve(id string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxSessions > 0 && len(m.sessions)+len(m.reserved) >= m.cfg.MaxSessions {
		return "", ErrTooManySessions
	}
	if id == "" {
		for {
			id = newID()
			if !m.taken(id) {
				break
			}
		}
	} else if m.taken(id) {
		return "", fmt.Errorf("%w: %s", ErrSessionExists, id)
	}
	m.reserved[id] = struct{}{}
	return id, nil
}

func (m *Manager) taken(id string) bool {
	_, live := m.sessions[id]
	_, pending := m.reserved[id]
	return live || pending
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, id)
}

// remove is called by a session once it ended.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	cur, ok := m.sessions[s.id]
	if ok && cur == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	if ok && cur == s && m.cfg.Metrics != nil && s.State() != StateCreated {
		m.cfg.Metrics.ActiveSessions.Add(context.Background(), -1,
			metric.WithAttributes(observe.Attr("state", s.State())))
	}
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Close closes the session with id and waits for it to end.
func (m *Manager) Close(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	return s.Close(ctx)
}

// CloseAll closes every live session.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", s.id, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IDs returns the ids of the live sessions, sorted.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Limit returns the configured session limit; zero means unlimited.
func (m *Manager) Limit() int {
	return m.cfg.MaxSessions
}

func newID() string {
	return uuid.NewString()[:4]
}
