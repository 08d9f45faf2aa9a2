package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parolfluo/parolfluo/pkg/provider/asr"
	"github.com/parolfluo/parolfluo/pkg/provider/translate"
)

// ErrNotRegistered is returned by Create* methods when no factory has been
// registered under the requested name.
var ErrNotRegistered = errors.New("config: not registered")

// Registry maps backend and translator names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	backends    map[Backend]func(*Config) (asr.Backend, error)
	translators map[TranslationProvider]func(*Config) (translate.Translator, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		backends:    make(map[Backend]func(*Config) (asr.Backend, error)),
		translators: make(map[TranslationProvider]func(*Config) (translate.Translator, error)),
	}
}

// RegisterBackend registers a recognizer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name Backend, factory func(*Config) (asr.Backend, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// RegisterTranslator registers a translator factory under name.
func (r *Registry) RegisterTranslator(name TranslationProvider, factory func(*Config) (translate.Translator, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators[name] = factory
}

// CreateBackend instantiates the recognizer selected by cfg.Backend.
// Returns [ErrNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateBackend(cfg *Config) (asr.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: backend/%q", ErrNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateTranslator instantiates the translator selected by
// cfg.Translation.Provider. Returns [ErrNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateTranslator(cfg *Config) (translate.Translator, error) {
	r.mu.RLock()
	factory, ok := r.translators[cfg.Translation.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: translator/%q", ErrNotRegistered, cfg.Translation.Provider)
	}
	return factory(cfg)
}
