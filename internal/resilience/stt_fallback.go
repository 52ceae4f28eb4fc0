package resilience

import (
	"context"
	"sync"

	"github.com/MrWong99/speechdeck/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] by opening each session on the first
// healthy backend. Sessions already open are not migrated when their backend
// fails later; the next StartStream picks again.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]

	mu     sync.Mutex
	active string
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Backends returns the backend names in the order they are tried.
func (f *STTFallback) Backends() []string {
	return f.group.Names()
}

// Active returns the name of the backend that served the most recent
// successful StartStream, or "" if none did yet.
func (f *STTFallback) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// StartStream opens a session on the first backend that accepts it.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	h, name, err := executeNamed(f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.active = name
	f.mu.Unlock()
	return h, nil
}
