package synthesis

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/MrWong99/speechdeck/pkg/speech"
)

// DefaultRefreshInterval is the catalogue polling interval used when none is
// configured.
const DefaultRefreshInterval = 30 * time.Second

// VoiceLister is the part of [speech.Synthesizer] the watcher polls.
type VoiceLister interface {
	Voices(ctx context.Context) ([]speech.Voice, error)
}

// CatalogWatcher polls a voice catalogue and reports it on the first
// successful listing and whenever its content changes afterwards. Listing
// errors are logged and the previous catalogue stays in effect.
type CatalogWatcher struct {
	source   VoiceLister
	interval time.Duration
	onChange func([]speech.Voice)
	log      *slog.Logger

	seen     bool
	lastHash [sha256.Size]byte
}

// WatcherOption configures a [CatalogWatcher].
type WatcherOption func(*CatalogWatcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *CatalogWatcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *CatalogWatcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewCatalogWatcher creates a watcher that calls onChange with every new
// catalogue of source.
func NewCatalogWatcher(source VoiceLister, onChange func([]speech.Voice), opts ...WatcherOption) *CatalogWatcher {
	w := &CatalogWatcher{
		source:   source,
		interval: DefaultRefreshInterval,
		onChange: onChange,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.log = w.log.With("component", "catalog_watcher")
	return w
}

// Run polls immediately and then on every interval until ctx is done. It
// always returns nil; a cancelled context is a normal shutdown.
func (w *CatalogWatcher) Run(ctx context.Context) error {
	w.Check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.Check(ctx)
		}
	}
}

// Check lists the catalogue once and calls onChange if it is the first
// result or differs from the last one. It reports whether onChange ran.
// Check must not be called concurrently with itself or Run.
func (w *CatalogWatcher) Check(ctx context.Context) bool {
	voices, err := w.source.Voices(ctx)
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn("voice catalogue refresh failed", "err", err)
		}
		return false
	}
	h := hashVoices(voices)
	if w.seen && h == w.lastHash {
		return false
	}
	w.seen = true
	w.lastHash = h
	w.log.Info("voice catalogue changed", "voices", len(voices))
	if w.onChange != nil {
		w.onChange(voices)
	}
	return true
}

// hashVoices digests the ordered catalogue. Fields are length-prefixed so
// that adjacent values cannot run into each other.
func hashVoices(voices []speech.Voice) [sha256.Size]byte {
	h := sha256.New()
	var n [8]byte
	write := func(s string) {
		binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}
	for _, v := range voices {
		write(v.ID)
		write(v.Name)
		write(v.Language)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
