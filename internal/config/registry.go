package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cadenza-voice/cadenza/pkg/audio"
	"github.com/cadenza-voice/cadenza/pkg/vad"
)

// ErrBackendNotRegistered is returned by Create* methods when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// Registry maps backend names to their constructor functions for each
// pluggable concern. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	vad     map[string]func(VADConfig) (vad.Engine, error)
	capture map[string]func(DeviceConfig) (audio.CaptureDevice, error)
	output  map[string]func(PlaybackConfig) (audio.OutputDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		vad:     make(map[string]func(VADConfig) (vad.Engine, error)),
		capture: make(map[string]func(DeviceConfig) (audio.CaptureDevice, error)),
		output:  make(map[string]func(PlaybackConfig) (audio.OutputDevice, error)),
	}
}

// RegisterVAD registers a VAD engine factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVAD(name string, factory func(VADConfig) (vad.Engine, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vad[name] = factory
}

// RegisterCapture registers a capture device factory under name.
func (r *Registry) RegisterCapture(name string, factory func(DeviceConfig) (audio.CaptureDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.capture[name] = factory
}

// RegisterOutput registers an output device factory under name.
func (r *Registry) RegisterOutput(name string, factory func(PlaybackConfig) (audio.OutputDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.output[name] = factory
}

// CreateVAD instantiates a VAD engine using the factory registered under cfg.Engine.
// Returns [ErrBackendNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVAD(cfg VADConfig) (vad.Engine, error) {
	r.mu.RLock()
	factory, ok := r.vad[cfg.Engine]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: vad/%q", ErrBackendNotRegistered, cfg.Engine)
	}
	return factory(cfg)
}

// CreateCapture instantiates a capture device using the factory registered
// under cfg.Backend.
func (r *Registry) CreateCapture(cfg DeviceConfig) (audio.CaptureDevice, error) {
	r.mu.RLock()
	factory, ok := r.capture[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}

// CreateOutput instantiates an output device using the factory registered
// under cfg.Backend.
func (r *Registry) CreateOutput(cfg PlaybackConfig) (audio.OutputDevice, error) {
	r.mu.RLock()
	factory, ok := r.output[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrBackendNotRegistered, cfg.Backend)
	}
	return factory(cfg)
}
