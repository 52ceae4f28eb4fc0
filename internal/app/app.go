// Package app wires the speechdeck subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the synthesis and
// recognition engines and the session controller, Run drives the controller's
// event loop together with the catalog watcher, the transcript pump and the
// HTTP side channel, and Shutdown tears everything down in order.
//
// The controller is not safe for concurrent use. Every access goes through
// [App.Do], which runs closures one at a time on the loop goroutine.
//
// For testing, inject mock providers through [Providers] and options such as
// WithMetrics and WithLogger.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/speechdeck/internal/config"
	"github.com/MrWong99/speechdeck/internal/engine/recognition"
	"github.com/MrWong99/speechdeck/internal/engine/synthesis"
	"github.com/MrWong99/speechdeck/internal/health"
	"github.com/MrWong99/speechdeck/internal/observe"
	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
	"github.com/MrWong99/speechdeck/pkg/speech"
)

// ErrStopped is returned by Do once the event loop has exited.
var ErrStopped = errors.New("app: event loop stopped")

// Providers holds the backends built from configuration. Populated by main.go
// via the config registry.
type Providers struct {
	// TTS is required.
	TTS     tts.Provider
	TTSName string

	// STT is optional. Nil disables speech recognition.
	STT     stt.Provider
	STTName string

	// Audio is the sound card used for playback and capture. Required.
	Audio audio.Device
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger
	metrics   *observe.Metrics
	level     *slog.LevelVar
	watcher   *config.Watcher
	sessionID string
	scrape    http.Handler

	synth   *synthesis.Engine
	rec     *recognition.Engine
	ctrl    *speech.Controller
	catalog *synthesis.CatalogWatcher
	health  *health.Handler
	handler http.Handler

	// snapshot is the latest controller state, published by the observer.
	snapshot atomic.Pointer[speech.State]

	ops      chan op
	loopDone chan struct{}
	running  atomic.Bool

	// voiceCount is owned by the loop goroutine.
	voiceCount int

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.log = l
		}
	}
}

// WithMetrics sets the metrics sink. The default is [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level of the
// handler that owns v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatcher makes Run poll the configuration file through w. Route
// w's callback to [App.ApplyConfig].
func WithConfigWatcher(w *config.Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithSessionID sets the controller's session identifier. Use the value
// reported to telemetry so both line up.
func WithSessionID(id string) Option {
	return func(a *App) { a.sessionID = id }
}

// WithMetricsHandler sets the handler served at /metrics. The default is
// [promhttp.Handler] on the default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring the engines and the controller together.
//
// A missing or unusable recognition backend is not an error: the controller
// runs with speech-to-text disabled and every recognition command reports
// [speech.ErrCapabilityUnavailable].
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config must not be nil")
	}
	if providers == nil || providers.TTS == nil {
		return nil, errors.New("app: a TTS provider is required")
	}
	if providers.Audio == nil {
		return nil, errors.New("app: an audio device is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
		ops:       make(chan op),
		loopDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Synthesis ─────────────────────────────────────────────────────
	synth, err := synthesis.New(providers.TTS, providers.Audio,
		synthesis.WithProviderName(providers.TTSName),
		synthesis.WithMetrics(a.metrics),
		synthesis.WithLogger(a.log),
	)
	if err != nil {
		return nil, fmt.Errorf("app: init synthesis: %w", err)
	}
	a.synth = synth
	a.closers = append(a.closers, synth.Close)

	// ── 2. Recognition ───────────────────────────────────────────────────
	var src audio.Source
	if providers.STT != nil {
		src = providers.Audio
	}
	a.rec = recognition.New(providers.STT, src,
		recognition.WithProviderName(providers.STTName),
		recognition.WithLanguage(cfg.Session.Language),
		recognition.WithKeywords(keywordBoosts(cfg.Session.Keywords)),
		recognition.WithMetrics(a.metrics),
		recognition.WithLogger(a.log),
	)
	a.closers = append(a.closers, a.rec.Close)

	// ── 3. Controller ────────────────────────────────────────────────────
	ctrlOpts := []speech.Option{
		speech.WithLogger(a.log),
		speech.WithObserver(a.publish),
		speech.WithSessionID(a.sessionID),
	}
	if cfg.Session.Rate != 0 {
		ctrlOpts = append(ctrlOpts, speech.WithInitialRate(cfg.Session.Rate))
	}
	if cfg.Session.Pitch != 0 {
		ctrlOpts = append(ctrlOpts, speech.WithInitialPitch(cfg.Session.Pitch))
	}
	ctrl, err := speech.New(a.synth, a.rec, ctrlOpts...)
	switch {
	case errors.Is(err, speech.ErrCapabilityUnavailable):
		a.log.Info("running without speech recognition", "stt", providers.STTName)
	case err != nil:
		return nil, fmt.Errorf("app: init controller: %w", err)
	}
	a.ctrl = ctrl
	a.publish(ctrl.State())

	// ── 4. Catalog watcher ───────────────────────────────────────────────
	a.catalog = synthesis.NewCatalogWatcher(a.synth, a.onCatalog,
		synthesis.WithInterval(cfg.Session.CatalogRefreshInterval),
		synthesis.WithWatcherLogger(a.log),
	)

	// ── 5. HTTP side channel ─────────────────────────────────────────────
	a.health = health.New(
		health.Synthesis(a.synth),
		health.Recognition(a.rec),
	)
	a.handler = a.routes()

	// Audio device goes last so engines stop using it first.
	a.closers = append(a.closers, providers.Audio.Close)
	return a, nil
}

// Handler returns the HTTP handler serving health, metrics and state.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Snapshot returns the most recent controller state. It never blocks the
// event loop.
func (a *App) Snapshot() speech.State {
	return *a.snapshot.Load()
}

func (a *App) publish(s speech.State) {
	a.snapshot.Store(&s)
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the settings that can change without a restart: the
// log level and the recognition keywords. Other changes are logged.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.SlogLevel())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.KeywordsChanged {
		if err := a.rec.SetKeywords(keywordBoosts(d.NewKeywords)); err != nil {
			a.log.Warn("failed to apply recognition keywords", "err", err)
		} else {
			a.log.Info("recognition keywords updated", "count", len(d.NewKeywords))
		}
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("configuration changes require a restart", "settings", d.RestartRequired)
	}
}

func keywordBoosts(kws []config.KeywordConfig) []stt.KeywordBoost {
	if len(kws) == 0 {
		return nil
	}
	out := make([]stt.KeywordBoost, len(kws))
	for i, kw := range kws {
		out[i] = stt.KeywordBoost{Keyword: kw.Keyword, Boost: kw.Boost}
	}
	return out
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops listening, closes the engines and releases the audio device.
// Call it after Run has returned. Safe to call more than once; later calls
// return nil.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		for _, c := range a.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		observe.Logger(ctx).Info("app stopped")
	})
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: shutdown: %w", err)
	}
	return nil
}
