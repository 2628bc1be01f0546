package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/duplexvoice/pkg/audio"
	"github.com/MrWong99/duplexvoice/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	voice map[string]func(VoiceConfig) (s2s.Provider, error)
	audio map[string]func(AudioConfig) (audio.Host, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		voice: make(map[string]func(VoiceConfig) (s2s.Provider, error)),
		audio: make(map[string]func(AudioConfig) (audio.Host, error)),
	}
}

// RegisterVoice registers a speech-to-speech provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterVoice(name string, factory func(VoiceConfig) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.voice[name] = factory
}

// RegisterAudio registers an audio host factory under name.
func (r *Registry) RegisterAudio(name string, factory func(AudioConfig) (audio.Host, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateVoice instantiates the provider registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateVoice(cfg VoiceConfig) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.voice[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: voice/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateAudio instantiates the audio host registered under cfg.Host.
func (r *Registry) CreateAudio(cfg AudioConfig) (audio.Host, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Host]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Host)
	}
	return factory(cfg)
}

// Names returns the sorted registered names for kind ("voice" or "audio").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "voice":
		for n := range r.voice {
			names = append(names, n)
		}
	case "audio":
		for n := range r.audio {
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}
