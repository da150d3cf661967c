package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/lipsync/pkg/provider/lipsync"
	"github.com/MrWong99/lipsync/pkg/provider/llm"
	"github.com/MrWong99/lipsync/pkg/provider/tts"
)

// ErrProviderNotRegistered means a config entry names a provider nobody
// registered.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// LipsyncFactory builds one model instance. Sessions each get their own.
type LipsyncFactory func(ProviderEntry) (lipsync.Model, error)

// factories is the name table for one provider kind.
type factories[P any] struct {
	kind string
	m    map[string]func(ProviderEntry) (P, error)
}

func newFactories[P any](kind string) factories[P] {
	return factories[P]{kind: kind, m: make(map[string]func(ProviderEntry) (P, error))}
}

func (f factories[P]) lookup(name string) (func(ProviderEntry) (P, error), error) {
	factory, ok := f.m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, f.kind, name)
	}
	return factory, nil
}

// Registry turns [ProviderEntry] names into provider instances. Built-ins are
// added by the app at startup; tests register mocks under the same names.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tts     factories[tts.Provider]
	llm     factories[llm.Provider]
	lipsync factories[lipsync.Model]
}

func NewRegistry() *Registry {
	return &Registry{
		tts:     newFactories[tts.Provider]("tts"),
		llm:     newFactories[llm.Provider]("llm"),
		lipsync: newFactories[lipsync.Model]("lipsync"),
	}
}

// RegisterTTS adds or replaces the TTS factory for name.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	r.tts.m[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.mu.Lock()
	r.llm.m[name] = factory
	r.mu.Unlock()
}

func (r *Registry) RegisterLipsync(name string, factory LipsyncFactory) {
	r.mu.Lock()
	r.lipsync.m[name] = factory
	r.mu.Unlock()
}

// CreateTTS builds the TTS provider named by entry.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	r.mu.RLock()
	factory, err := r.tts.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateLLM builds the LLM provider named by entry.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	r.mu.RLock()
	factory, err := r.llm.lookup(entry.Name)
	r.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// CreateLipsync builds a single model from entry.
func (r *Registry) CreateLipsync(entry ProviderEntry) (lipsync.Model, error) {
	factory, err := r.LipsyncFactory(entry.Name)
	if err != nil {
		return nil, err
	}
	return factory(entry)
}

// LipsyncFactory returns the factory itself, for the app which builds one
// model per session.
func (r *Registry) LipsyncFactory(name string) (LipsyncFactory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lipsync.lookup(name)
}

// Names lists the registered names for kind ("tts", "llm" or "lipsync"),
// sorted. Unknown kinds yield nil.
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch kind {
	case r.tts.kind:
		return slices.Sorted(maps.Keys(r.tts.m))
	case r.llm.kind:
		return slices.Sorted(maps.Keys(r.llm.m))
	case r.lipsync.kind:
		return slices.Sorted(maps.Keys(r.lipsync.m))
	}
	return nil
}
