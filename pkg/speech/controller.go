package speech

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/rs/xid"
)

// Controller owns the state of one speech session and mediates between user
// intents and the synthesis and recognition engines.
//
// Controller is not safe for concurrent use; see the package documentation.
type Controller struct {
	synth Synthesizer
	rec   Recognizer // nil when recognition is unavailable

	sessionID  string
	log        *slog.Logger
	observer   func(State)
	draftText  string
	rate       float64
	pitch      float64
	voices     []Voice
	selectedID string
	transcript string
	listening  bool
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. The default is [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithObserver registers fn to be called with a fresh [State] snapshot after
// every operation that changed the state. Presentation layers re-render from
// it. fn runs synchronously on the caller's goroutine.
func WithObserver(fn func(State)) Option {
	return func(c *Controller) { c.observer = fn }
}

// WithInitialRate overrides the starting rate. The value is clamped.
func WithInitialRate(v float64) Option {
	return func(c *Controller) { c.rate = ClampRate(v) }
}

// WithInitialPitch overrides the starting pitch. The value is clamped.
func WithInitialPitch(v float64) Option {
	return func(c *Controller) { c.pitch = ClampPitch(v) }
}

// WithSessionID overrides the generated session identifier.
func WithSessionID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.sessionID = id
		}
	}
}

// New creates a Controller around the given engines.
//
// synth is required. rec may be nil. When rec is nil or reports that it is
// not supported, New still returns a usable controller with the
// speech-to-text half disabled, together with an error wrapping
// [ErrCapabilityUnavailable]. Callers that can live without recognition check
// for it with errors.Is and carry on; every recognition operation on such a
// controller returns ErrCapabilityUnavailable.
func New(synth Synthesizer, rec Recognizer, opts ...Option) (*Controller, error) {
	if synth == nil {
		return nil, errors.New("speech: synthesizer must not be nil")
	}
	c := &Controller{
		synth:     synth,
		sessionID: xid.New().String(),
		log:       slog.Default(),
		rate:      DefaultRate,
		pitch:     DefaultPitch,
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("session_id", c.sessionID)

	if rec == nil || !rec.Supported() {
		c.log.Warn("speech recognition not supported; speech-to-text disabled")
		return c, fmt.Errorf("speech: new controller: %w", ErrCapabilityUnavailable)
	}
	c.rec = rec
	return c, nil
}

// SessionID returns the identifier assigned to this session.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// RecognitionAvailable reports whether the speech-to-text half is enabled.
func (c *Controller) RecognitionAvailable() bool {
	return c.rec != nil
}

// State returns a snapshot of the session state.
func (c *Controller) State() State {
	return State{
		SessionID:            c.sessionID,
		DraftText:            c.draftText,
		Rate:                 c.rate,
		Pitch:                c.pitch,
		Voices:               slices.Clone(c.voices),
		SelectedVoiceID:      c.selectedID,
		Transcript:           c.transcript,
		Listening:            c.listening,
		RecognitionAvailable: c.rec != nil,
	}
}

// SelectedVoice returns the catalog entry matching the current selection.
func (c *Controller) SelectedVoice() (Voice, bool) {
	i := indexOfVoice(c.voices, c.selectedID)
	if i < 0 {
		return Voice{}, false
	}
	return c.voices[i], true
}

// OnCatalogRefreshed replaces the voice catalog with voices. The current
// selection survives the refresh when it is still present; otherwise it
// falls back to the first voice, or to none when voices is empty.
//
// Engines may report their catalog any number of times; every call re-runs
// the reconciliation.
func (c *Controller) OnCatalogRefreshed(voices []Voice) {
	c.voices = slices.Clone(voices)

	prev := c.selectedID
	if indexOfVoice(c.voices, c.selectedID) < 0 {
		c.selectedID = ""
		if len(c.voices) > 0 {
			c.selectedID = c.voices[0].ID
		}
	}
	c.log.Debug("voice catalog refreshed",
		"voices", len(c.voices),
		"selected", c.selectedID,
		"previous", prev,
	)
	c.notify()
}

// SetDraftText replaces the text that the next Speak will synthesise.
func (c *Controller) SetDraftText(text string) {
	c.draftText = text
	c.notify()
}

// SetRate stores v clamped to [MinRate, MaxRate].
func (c *Controller) SetRate(v float64) {
	c.rate = ClampRate(v)
	c.notify()
}

// SetPitch stores v clamped to [MinPitch, MaxPitch].
func (c *Controller) SetPitch(v float64) {
	c.pitch = ClampPitch(v)
	c.notify()
}

// SelectVoice selects the voice with the given id if it is part of the
// current catalog and reports whether it did. Ids that are not in the catalog
// (for example from a UI event that raced a catalog refresh) are ignored.
func (c *Controller) SelectVoice(id string) bool {
	if indexOfVoice(c.voices, id) < 0 {
		c.log.Debug("ignoring selection of unknown voice", "voice", id)
		return false
	}
	c.selectedID = id
	c.notify()
	return true
}

// Speak hands the current draft text, rate, pitch and selected voice to the
// synthesis engine. It returns once the engine accepted or rejected the
// request; playback continues in the engine. Rejections are returned as
// [*EngineError] and are not retried.
func (c *Controller) Speak(ctx context.Context) error {
	req := SynthesisRequest{
		Text:  c.draftText,
		Rate:  c.rate,
		Pitch: c.pitch,
	}
	if v, ok := c.SelectedVoice(); ok {
		req.Voice = &v
	}
	if err := c.synth.Speak(ctx, req); err != nil {
		c.log.Warn("speak rejected by synthesis engine", "err", err)
		return &EngineError{Op: "speak", Err: err}
	}
	c.log.Debug("speak dispatched",
		"chars", len(req.Text),
		"voice", c.selectedID,
		"rate", req.Rate,
		"pitch", req.Pitch,
	)
	return nil
}

// StartListening asks the recognition engine to start and marks the session
// as listening. The call is forwarded even when already listening.
func (c *Controller) StartListening(ctx context.Context) error {
	if c.rec == nil {
		return ErrCapabilityUnavailable
	}
	if err := c.rec.Start(ctx); err != nil {
		return &EngineError{Op: "start", Err: err}
	}
	c.setListening(true)
	return nil
}

// StopListening asks the recognition engine to stop and clears the listening
// flag. The call is forwarded even when not listening.
func (c *Controller) StopListening(ctx context.Context) error {
	if c.rec == nil {
		return ErrCapabilityUnavailable
	}
	if err := c.rec.Stop(ctx); err != nil {
		return &EngineError{Op: "stop", Err: err}
	}
	c.setListening(false)
	return nil
}

func (c *Controller) setListening(v bool) {
	if c.listening == v {
		return
	}
	c.listening = v
	c.log.Debug("listening changed", "listening", v)
	c.notify()
}

// OnTranscriptUpdate stores text as the current transcript. Engines report
// the cumulative transcript, so the previous value is replaced, not extended.
func (c *Controller) OnTranscriptUpdate(text string) {
	if c.rec == nil {
		c.log.Debug("dropping transcript update; recognition disabled")
		return
	}
	if text == c.transcript {
		return
	}
	c.transcript = text
	c.notify()
}

// ResetTranscript tells the recognition engine to start over and empties the
// transcript once the engine has accepted the reset. A failed reset leaves
// the transcript as it was.
func (c *Controller) ResetTranscript(ctx context.Context) error {
	if c.rec == nil {
		return ErrCapabilityUnavailable
	}
	if err := c.rec.Reset(ctx); err != nil {
		return &EngineError{Op: "reset", Err: err}
	}
	if c.transcript != "" {
		c.transcript = ""
		c.notify()
	}
	return nil
}

func (c *Controller) notify() {
	if c.observer != nil {
		c.observer(c.State())
	}
}
