// Package synthesis adapts a [tts.Provider] and an [audio.Player] to the
// [speech.Synthesizer] contract.
//
// Voices are exposed under their display name: [speech.Voice.ID] equals the
// provider's voice name, and the engine maps it back to the native
// [tts.VoiceProfile] when speaking. When a provider lists two voices with the
// same name, the first one wins and the others are unreachable.
//
// Speak is fire-and-forget. It returns as soon as the backend accepted the
// utterance; playback runs on a background goroutine and is interrupted by the
// next Speak or by Close.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/speechdeck/internal/observe"
	"github.com/MrWong99/speechdeck/internal/resilience"
	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
	"github.com/MrWong99/speechdeck/pkg/speech"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrClosed is returned by Speak after Close.
	ErrClosed = errors.New("synthesis: engine closed")

	// ErrNoVoices is returned by Speak before a non-empty catalogue has been
	// listed.
	ErrNoVoices = errors.New("synthesis: provider offers no voices")

	// ErrUnknownVoice is returned by Speak when the requested voice is not in
	// the last listed catalogue.
	ErrUnknownVoice = errors.New("synthesis: unknown voice")
)

// entry pairs the voice shown to the user with the profile sent to the
// provider.
type entry struct {
	voice   speech.Voice
	profile tts.VoiceProfile
}

// Engine implements [speech.Synthesizer]. It is safe for concurrent use.
type Engine struct {
	provider tts.Provider
	player   audio.Player
	name     string
	breaker  *resilience.CircuitBreaker
	metrics  *observe.Metrics
	log      *slog.Logger

	// base outlives individual Speak contexts; playback is bound to it.
	base       context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	playing    atomic.Int32

	mu      sync.Mutex
	catalog []entry
	stop    context.CancelFunc // cancels the current utterance
	closed  bool
}

var _ speech.Synthesizer = (*Engine)(nil)

type config struct {
	name    string
	breaker resilience.CircuitBreakerConfig
	metrics *observe.Metrics
	log     *slog.Logger
}

// Option configures an [Engine].
type Option func(*config)

// WithProviderName sets the label used in logs, metrics and the circuit
// breaker. Default: "tts".
func WithProviderName(name string) Option {
	return func(c *config) {
		if name != "" {
			c.name = name
		}
	}
}

// WithBreaker tunes the circuit breaker guarding synthesis dispatch. Name,
// OnStateChange and Logger are set by the engine.
func WithBreaker(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *config) { c.breaker = cfg }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// New creates an Engine that synthesises with provider and plays through
// player.
func New(provider tts.Provider, player audio.Player, opts ...Option) (*Engine, error) {
	if provider == nil {
		return nil, errors.New("synthesis: provider must not be nil")
	}
	if player == nil {
		return nil, errors.New("synthesis: player must not be nil")
	}
	cfg := config{name: "tts"}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = observe.DefaultMetrics()
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	log := cfg.log.With("component", "synthesis", "provider", cfg.name)

	bcfg := cfg.breaker
	bcfg.Name = cfg.name
	bcfg.Logger = log
	metrics := cfg.metrics
	bcfg.OnStateChange = func(name string, _, to resilience.State) {
		metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}

	base, cancel := context.WithCancel(context.Background())
	return &Engine{
		provider:   provider,
		player:     player,
		name:       cfg.name,
		breaker:    resilience.NewCircuitBreaker(bcfg),
		metrics:    metrics,
		log:        log,
		base:       base,
		baseCancel: cancel,
	}, nil
}

// Voices lists the provider's voices and remembers them for Speak.
func (e *Engine) Voices(ctx context.Context) ([]speech.Voice, error) {
	profiles, err := e.provider.ListVoices(ctx)
	if err != nil {
		e.metrics.RecordProviderRequest(ctx, e.name, "tts.voices", observe.StatusError)
		e.metrics.RecordProviderError(ctx, e.name, "tts.voices")
		return nil, fmt.Errorf("synthesis: list voices: %w", err)
	}
	e.metrics.RecordProviderRequest(ctx, e.name, "tts.voices", observe.StatusOK)

	catalog := buildCatalog(profiles)
	e.mu.Lock()
	e.catalog = catalog
	e.mu.Unlock()

	voices := make([]speech.Voice, len(catalog))
	for i, en := range catalog {
		voices[i] = en.voice
	}
	return voices, nil
}

// buildCatalog maps profiles to voices keyed by display name, keeping the
// first profile for each name.
func buildCatalog(profiles []tts.VoiceProfile) []entry {
	seen := make(map[string]struct{}, len(profiles))
	out := make([]entry, 0, len(profiles))
	for _, p := range profiles {
		name := p.Name
		if name == "" {
			name = p.ID
		}
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, entry{
			voice:   speech.Voice{ID: name, Name: name, Language: p.Language},
			profile: p,
		})
	}
	return out
}

// Speak interrupts the current utterance, starts synthesis of req and
// returns once the provider accepted or rejected it.
func (e *Engine) Speak(ctx context.Context, req speech.SynthesisRequest) (err error) {
	ctx, span := observe.StartSpan(ctx, "synthesis.speak")
	defer func() { observe.EndSpan(span, err) }()
	log := observe.WithTrace(ctx, e.log)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	prev := e.stop
	e.stop = nil
	e.mu.Unlock()
	if prev != nil {
		prev()
	}

	if req.Text == "" {
		log.Debug("empty text, nothing to synthesise")
		e.metrics.RecordSpeak(ctx, observe.StatusOK)
		return nil
	}

	profile, err := e.resolve(req.Voice)
	if err != nil {
		e.metrics.RecordSpeak(ctx, observe.StatusRejected)
		return err
	}
	profile.SpeedFactor = req.Rate
	profile.PitchFactor = req.Pitch

	playCtx, cancel := context.WithCancel(e.base)
	// Dispatch honours ctx; playback continues after Speak returns.
	detach := context.AfterFunc(ctx, cancel)

	start := time.Now()
	var pcm <-chan []byte
	err = e.breaker.Execute(func() error {
		var serr error
		pcm, serr = e.provider.SynthesizeStream(playCtx, tts.SingleText(req.Text), profile)
		return serr
	})
	interrupted := !detach()
	e.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", e.name)))

	if err == nil && interrupted {
		err = ctx.Err()
		go audio.Drain(pcm)
	}
	if err != nil {
		cancel()
		status := observe.StatusError
		if errors.Is(err, resilience.ErrCircuitOpen) {
			status = observe.StatusRejected
		} else {
			e.metrics.RecordProviderError(ctx, e.name, "tts")
		}
		e.metrics.RecordProviderRequest(ctx, e.name, "tts", status)
		e.metrics.RecordSpeak(ctx, observe.StatusRejected)
		return fmt.Errorf("synthesis: speak: %w", err)
	}
	e.metrics.RecordProviderRequest(ctx, e.name, "tts", observe.StatusOK)
	e.metrics.RecordSpeak(ctx, observe.StatusOK)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		audio.Drain(pcm)
		return ErrClosed
	}
	e.stop = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	e.playing.Add(1)
	go e.play(playCtx, cancel, pcm, log)

	log.Debug("utterance dispatched",
		"voice", profile.Name,
		"chars", len(req.Text),
		"speed", profile.SpeedFactor,
		"pitch", profile.PitchFactor,
	)
	return nil
}

func (e *Engine) play(ctx context.Context, cancel context.CancelFunc, pcm <-chan []byte, log *slog.Logger) {
	defer e.wg.Done()
	defer e.playing.Add(-1)

	err := e.player.Play(ctx, e.provider.Format(), pcm)
	cancel()
	audio.Drain(pcm)
	switch {
	case err == nil:
		log.Debug("playback finished")
	case errors.Is(err, context.Canceled):
		log.Debug("playback interrupted")
	default:
		log.Warn("playback failed", "err", err)
	}
}

// resolve returns the native profile for v from the catalogue remembered by
// the last Voices call. A nil v selects the first voice. resolve never calls
// the provider: catalogue changes arrive through the [CatalogWatcher].
func (e *Engine) resolve(v *speech.Voice) (tts.VoiceProfile, error) {
	if p, ok := e.lookup(v); ok {
		return p, nil
	}
	e.mu.Lock()
	empty := len(e.catalog) == 0
	e.mu.Unlock()
	if empty {
		return tts.VoiceProfile{}, ErrNoVoices
	}
	return tts.VoiceProfile{}, fmt.Errorf("%w %q", ErrUnknownVoice, v.ID)
}

func (e *Engine) lookup(v *speech.Voice) (tts.VoiceProfile, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.catalog) == 0 {
		return tts.VoiceProfile{}, false
	}
	if v == nil {
		return e.catalog[0].profile, true
	}
	for _, en := range e.catalog {
		if en.voice.ID == v.ID {
			return en.profile, true
		}
	}
	return tts.VoiceProfile{}, false
}

// Playing reports whether an utterance is currently being played.
func (e *Engine) Playing() bool {
	return e.playing.Load() > 0
}

// BreakerState returns the state of the circuit breaker guarding dispatch.
func (e *Engine) BreakerState() resilience.State {
	return e.breaker.State()
}

// Close interrupts playback and waits for it to end. Further Speak calls
// return ErrClosed. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.stop = nil
	e.mu.Unlock()
	e.baseCancel()
	e.wg.Wait()
	return nil
}
