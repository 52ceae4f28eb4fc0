package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tts   map[string]func(ProviderEntry) (tts.Provider, error)
	stt   map[string]func(ProviderEntry) (stt.Provider, error)
	audio map[string]func(ProviderEntry) (audio.Device, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:   make(map[string]func(ProviderEntry) (tts.Provider, error)),
		stt:   make(map[string]func(ProviderEntry) (stt.Provider, error)),
		audio: make(map[string]func(ProviderEntry) (audio.Device, error)),
	}
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterSTT registers an STT provider factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterAudio registers an audio device factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (audio.Device, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateSTT instantiates an STT provider using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateAudio instantiates an audio device using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (audio.Device, error) {
	return create(r, r.audio, "audio", entry)
}

// Names returns the sorted provider names registered for kind ("tts", "stt"
// or "audio").
func (r *Registry) Names(kind string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	switch kind {
	case "tts":
		names = keys(r.tts)
	case "stt":
		names = keys(r.stt)
	case "audio":
		names = keys(r.audio)
	}
	slices.Sort(names)
	return names
}

func create[T any](r *Registry, m map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := m[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
