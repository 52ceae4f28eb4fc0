// Package recognition adapts an [stt.Provider] and an [audio.Source] to the
// [speech.Recognizer] contract.
//
// While listening, microphone audio is streamed to the provider and its
// partial and final results are folded into one cumulative transcript: every
// committed final followed by the current partial, separated by spaces. Each
// new value is published on [Engine.Updates] together with the generation it
// belongs to. [Engine.Reset] starts a new generation, so consumers can drop
// values that were in flight when the transcript was cleared.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speechdeck/internal/observe"
	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
	"github.com/MrWong99/speechdeck/pkg/speech"
)

// DefaultUpdateBuffer is the capacity of the Updates channel.
const DefaultUpdateBuffer = 16

var (
	// ErrClosed is returned by lifecycle methods after Close.
	ErrClosed = errors.New("recognition: engine closed")

	// ErrUnsupported is returned by Start when no provider is configured or
	// no input device is present.
	ErrUnsupported = errors.New("recognition: not supported on this host")
)

// Update is one cumulative transcript value.
type Update struct {
	Text       string
	Generation uint64
}

// session is one Start..Stop span.
type session struct {
	handle    stt.SessionHandle
	stopAudio context.CancelFunc
	closing   chan struct{} // closed before the handle is closed
	stop      chan struct{} // closed after the handle is closed
	audioDone chan struct{}
	ended     chan struct{} // closed when the transcript pump returned
	started   time.Time
}

// Engine implements [speech.Recognizer]. It is safe for concurrent use.
type Engine struct {
	provider stt.Provider
	source   audio.Source
	format   audio.Format
	name     string
	language string
	metrics  *observe.Metrics
	log      *slog.Logger
	updates  chan Update

	// lifecycle serialises Start, Stop, SetKeywords and Close.
	lifecycle sync.Mutex
	sess      *session
	keywords  []stt.KeywordBoost

	// mu guards the transcript and the Updates channel.
	mu      sync.Mutex
	finals  []string
	partial string
	last    string
	gen     uint64
	closed  bool
}

var _ speech.Recognizer = (*Engine)(nil)

// Option configures an [Engine].
type Option func(*Engine)

// WithProviderName sets the label used in logs and metrics. Default: "stt".
func WithProviderName(name string) Option {
	return func(e *Engine) {
		if name != "" {
			e.name = name
		}
	}
}

// WithLanguage sets the recognition language (BCP-47). Empty lets the
// provider choose.
func WithLanguage(lang string) Option {
	return func(e *Engine) { e.language = lang }
}

// WithKeywords sets the initial vocabulary hints.
func WithKeywords(kw []stt.KeywordBoost) Option {
	return func(e *Engine) { e.keywords = append([]stt.KeywordBoost(nil), kw...) }
}

// WithFormat overrides the capture format. Default: [audio.FormatSTT].
func WithFormat(f audio.Format) Option {
	return func(e *Engine) {
		if f.Valid() {
			e.format = f
		}
	}
}

// WithUpdateBuffer sets the capacity of the Updates channel.
func WithUpdateBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.updates = make(chan Update, n)
		}
	}
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// New creates an Engine. provider and source may be nil, in which case the
// engine reports itself as unsupported.
func New(provider stt.Provider, source audio.Source, opts ...Option) *Engine {
	e := &Engine{
		provider: provider,
		source:   source,
		format:   audio.FormatSTT,
		name:     "stt",
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.updates == nil {
		e.updates = make(chan Update, DefaultUpdateBuffer)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	e.log = e.log.With("component", "recognition", "provider", e.name)
	return e
}

// Supported reports whether a provider is configured and an input device is
// present.
func (e *Engine) Supported() bool {
	return e.provider != nil && e.source != nil && e.source.Available()
}

// Updates returns the channel of transcript updates. When the consumer falls
// behind, the oldest pending update is discarded; every update carries the
// full transcript, so only the newest matters. The channel is closed by
// Close.
func (e *Engine) Updates() <-chan Update {
	return e.updates
}

// Generation returns the current transcript generation. Updates whose
// Generation differs predate the last Reset.
func (e *Engine) Generation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gen
}

// Transcript returns the current cumulative transcript.
func (e *Engine) Transcript() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Running reports whether a recognition session is open.
func (e *Engine) Running() bool {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	return e.sess != nil && !e.sess.isEnded()
}

// Start opens the microphone and a provider session. It does nothing when a
// session is already running. A session whose provider stream ended on its
// own is torn down and replaced.
func (e *Engine) Start(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()

	if e.isClosed() {
		return ErrClosed
	}
	if e.sess != nil {
		if !e.sess.isEnded() {
			return nil
		}
		e.log.Info("previous recognition session ended, restarting")
		e.teardown()
	}
	if !e.Supported() {
		return ErrUnsupported
	}

	ctx, span := observe.StartSpan(ctx, "recognition.start")
	audioCtx, stopAudio := context.WithCancel(context.Background())
	pcm, err := e.source.Capture(audioCtx, e.format)
	if err != nil {
		stopAudio()
		observe.EndSpan(span, err)
		return fmt.Errorf("recognition: open microphone: %w", err)
	}
	handle, err := e.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: e.format.SampleRate,
		Channels:   e.format.Channels,
		Language:   e.language,
		Keywords:   e.keywords,
	})
	if err != nil {
		stopAudio()
		audio.Drain(pcm)
		e.metrics.RecordProviderRequest(ctx, e.name, "stt.stream", observe.StatusError)
		e.metrics.RecordProviderError(ctx, e.name, "stt.stream")
		observe.EndSpan(span, err)
		return fmt.Errorf("recognition: start stream: %w", err)
	}
	e.metrics.RecordProviderRequest(ctx, e.name, "stt.stream", observe.StatusOK)
	observe.EndSpan(span, nil)

	s := &session{
		handle:    handle,
		stopAudio: stopAudio,
		closing:   make(chan struct{}),
		stop:      make(chan struct{}),
		audioDone: make(chan struct{}),
		ended:     make(chan struct{}),
		started:   time.Now(),
	}
	e.sess = s
	go e.pumpAudio(s, pcm)
	go e.pumpTranscripts(s)

	e.metrics.Listening.Add(ctx, 1)
	observe.WithTrace(ctx, e.log).Info("listening started", "format", e.format.String(), "language", e.language)
	return nil
}

// Stop closes the microphone and the provider session. It does nothing when
// no session is running. Results the provider flushes while closing are
// still published.
func (e *Engine) Stop(ctx context.Context) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.sess == nil {
		return nil
	}
	e.teardown()
	observe.WithTrace(ctx, e.log).Info("listening stopped")
	return nil
}

// teardown must be called with e.lifecycle held and e.sess set.
func (e *Engine) teardown() {
	s := e.sess
	e.sess = nil

	close(s.closing)
	s.stopAudio()
	<-s.audioDone
	if err := s.handle.Close(); err != nil {
		e.log.Warn("closing recognition session", "err", err)
	}
	close(s.stop)
	<-s.ended

	ctx := context.Background()
	e.metrics.Listening.Add(ctx, -1)
	e.metrics.STTSessionDuration.Record(ctx, time.Since(s.started).Seconds())
}

// Reset clears the transcript and starts a new generation. A running session
// keeps running.
func (e *Engine) Reset(_ context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.finals = nil
	e.partial = ""
	e.last = ""
	e.gen++
	// Queued values belong to the old generation.
drain:
	for {
		select {
		case <-e.updates:
		default:
			break drain
		}
	}
	e.log.Debug("transcript reset", "generation", e.gen)
	return nil
}

// SetKeywords replaces the vocabulary hints. They apply to the running
// session if the provider supports live updates, and to every later session.
func (e *Engine) SetKeywords(kw []stt.KeywordBoost) error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	e.keywords = append([]stt.KeywordBoost(nil), kw...)
	if e.sess == nil {
		return nil
	}
	if err := e.sess.handle.SetKeywords(e.keywords); err != nil {
		return fmt.Errorf("recognition: set keywords: %w", err)
	}
	return nil
}

// Close stops listening and closes the Updates channel. Close is idempotent.
func (e *Engine) Close() error {
	e.lifecycle.Lock()
	defer e.lifecycle.Unlock()
	if e.sess != nil {
		e.teardown()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.updates)
	}
	return nil
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) pumpAudio(s *session, pcm <-chan []byte) {
	defer close(s.audioDone)
	warned := false
	for chunk := range pcm {
		err := s.handle.SendAudio(chunk)
		if err == nil {
			continue
		}
		if errors.Is(err, stt.ErrSessionClosed) {
			audio.Drain(pcm)
			return
		}
		if !warned {
			e.log.Warn("sending audio to recognition failed", "err", err)
			warned = true
		}
	}
}

func (e *Engine) pumpTranscripts(s *session) {
	defer close(s.ended)
	partials, finals := s.handle.Partials(), s.handle.Finals()
	for partials != nil || finals != nil {
		select {
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			e.fold(t)
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			e.fold(t)
		case <-s.stop:
			e.drainPending(partials, finals)
			return
		}
	}
	select {
	case <-s.closing:
	default:
		e.log.Warn("recognition session ended unexpectedly")
	}
}

// drainPending folds results that are already buffered without waiting for
// more.
func (e *Engine) drainPending(partials, finals <-chan stt.Transcript) {
	for {
		select {
		case t, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			e.fold(t)
		case t, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			e.fold(t)
		default:
			return
		}
	}
}

// fold merges t into the transcript and publishes the result if it changed.
func (e *Engine) fold(t stt.Transcript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	text := strings.TrimSpace(t.Text)
	if t.IsFinal {
		if text != "" {
			e.finals = append(e.finals, text)
		}
		e.partial = ""
	} else {
		e.partial = text
	}

	parts := e.finals
	if e.partial != "" {
		parts = append(parts[:len(parts):len(parts)], e.partial)
	}
	cumulative := strings.Join(parts, " ")
	if cumulative == e.last {
		return
	}
	e.last = cumulative
	e.publish(Update{Text: cumulative, Generation: e.gen})
}

// publish must be called with e.mu held.
func (e *Engine) publish(u Update) {
	for {
		select {
		case e.updates <- u:
			e.metrics.TranscriptUpdates.Add(context.Background(), 1)
			return
		default:
		}
		select {
		case <-e.updates:
		default:
		}
	}
}

func (s *session) isEnded() bool {
	select {
	case <-s.ended:
		return true
	default:
		return false
	}
}
