package breaker

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds one breaker per device, created lazily on first use.
// Independent devices never share breaker state.
type Registry struct {
	config Config
	logger zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry applying config to every breaker it creates.
func NewRegistry(config Config, logger zerolog.Logger) *Registry {
	return &Registry{
		config:   config.withDefaults(),
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// GetOrCreate returns the breaker for deviceID, creating it if needed.
func (r *Registry) GetOrCreate(deviceID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[deviceID]
	if !ok {
		b = New(deviceID, r.config, r.logger)
		r.breakers[deviceID] = b
	}
	return b
}

// Reset resets the breaker for deviceID. It reports whether a breaker existed.
func (r *Registry) Reset(deviceID string) bool {
	r.mu.Lock()
	b, ok := r.breakers[deviceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	b.Reset()
	return true
}

// Remove drops the breaker for deviceID, if any. Used when a device
// disappears from configuration.
func (r *Registry) Remove(deviceID string) {
	r.mu.Lock()
	delete(r.breakers, deviceID)
	r.mu.Unlock()
}

// ResetAll resets every registered breaker.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	for _, b := range breakers {
		b.Reset()
	}
}

// AllStatus returns the status of every registered breaker keyed by device id.
func (r *Registry) AllStatus() map[string]Status {
	r.mu.Lock()
	breakers := make(map[string]*Breaker, len(r.breakers))
	for id, b := range r.breakers {
		breakers[id] = b
	}
	r.mu.Unlock()

	out := make(map[string]Status, len(breakers))
	for id, b := range breakers {
		out[id] = b.Status()
	}
	return out
}
