package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/parlo-chat/parlo/pkg/live"
)

// ErrProviderNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps live transport provider names to their constructor
// functions. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]func(LiveConfig) (live.Dialer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		dialers: make(map[string]func(LiveConfig) (live.Dialer, error)),
	}
}

// RegisterDialer registers a live transport factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDialer(name string, factory func(LiveConfig) (live.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = factory
}

// CreateDialer instantiates a live transport using the factory registered
// under cfg.Provider. Returns [ErrProviderNotRegistered] if no factory has
// been registered for that name.
func (r *Registry) CreateDialer(cfg LiveConfig) (live.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.dialers[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: live/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}
