// Package whisper provides an STT provider for a whisper.cpp server, which
// transcribes whole WAV files through POST /inference.
//
// Streaming is simulated per session: PCM is buffered and an utterance is cut
// once the signal energy stays below a threshold for long enough, or once the
// utterance reaches a maximum length. Each utterance is transcribed once and
// emitted as a final. With [WithPartialInterval] the growing utterance is also
// transcribed periodically and emitted as a partial.
//
// Keyword hints are sent as the server's initial "prompt" and may be replaced
// mid-session with SetKeywords.
package whisper

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
)

const inferenceEndpoint = "/inference"

const (
	defaultTimeout       = 30 * time.Second
	defaultSilence       = 500 * time.Millisecond
	defaultMaxUtterance  = 10 * time.Second
	defaultEnergy        = 300.0
	flushTimeout         = 10 * time.Second
	maxErrorBody         = 256
	sessionChannelBuffer = 64
)

// blankAudio is what whisper.cpp transcribes for silence or noise.
const blankAudio = "[BLANK_AUDIO]"

// Ensure Provider implements the stt.Provider interface.
var _ stt.Provider = (*Provider)(nil)

// Provider implements stt.Provider against a whisper.cpp server.
type Provider struct {
	baseURL      string
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	partialEvery time.Duration
	energy       float64
	client       *http.Client
	log          *slog.Logger
}

type config struct {
	model        string
	language     string
	silence      time.Duration
	maxUtterance time.Duration
	partialEvery time.Duration
	energy       float64
	timeout      time.Duration
	client       *http.Client
	log          *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithModel names the model in each request. whisper.cpp servers load one
// model at startup; the field matters only to proxies that route by model.
func WithModel(model string) Option {
	return func(c *config) {
		c.model = model
	}
}

// WithLanguage sets the language used when StreamConfig.Language is empty.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithSilence sets how long the signal must stay quiet to end an utterance.
func WithSilence(d time.Duration) Option {
	return func(c *config) {
		c.silence = d
	}
}

// WithMaxUtterance caps the length of one utterance.
func WithMaxUtterance(d time.Duration) Option {
	return func(c *config) {
		c.maxUtterance = d
	}
}

// WithPartialInterval transcribes the utterance in progress every d of
// buffered speech and emits the result as a partial. Zero disables partials.
func WithPartialInterval(d time.Duration) Option {
	return func(c *config) {
		c.partialEvery = d
	}
}

// WithEnergyThreshold sets the RMS level (int16 scale) above which a chunk
// counts as speech.
func WithEnergyThreshold(rms float64) Option {
	return func(c *config) {
		c.energy = rms
	}
}

// WithTimeout sets the per-request HTTP timeout. Ignored with WithHTTPClient.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) {
		c.client = hc
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// New constructs a Provider for the server at baseURL.
func New(baseURL string, opts ...Option) (*Provider, error) {
	if baseURL == "" {
		return nil, errors.New("whisper: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("whisper: parse baseURL: %w", err)
	}
	cfg := &config{
		silence:      defaultSilence,
		maxUtterance: defaultMaxUtterance,
		energy:       defaultEnergy,
		timeout:      defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.silence <= 0 || cfg.maxUtterance <= 0 {
		return nil, errors.New("whisper: silence and max utterance must be positive")
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}
	return &Provider{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        cfg.model,
		language:     cfg.language,
		silence:      cfg.silence,
		maxUtterance: cfg.maxUtterance,
		partialEvery: max(cfg.partialEvery, 0),
		energy:       cfg.energy,
		client:       cfg.client,
		log:          cfg.log,
	}, nil
}

// StartStream implements stt.Provider. A zero sample rate or channel count
// selects 16 kHz mono. The session outlives ctx and ends with Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	f := audio.Format{
		SampleRate: cmp.Or(cfg.SampleRate, audio.FormatSTT.SampleRate),
		Channels:   cmp.Or(cfg.Channels, audio.FormatSTT.Channels),
	}
	if !f.Valid() || f.Channels > 2 {
		return nil, fmt.Errorf("whisper: unsupported stream format %s", f)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &session{
		p:        p,
		ctx:      ctx,
		cancel:   cancel,
		format:   f,
		language: baseLanguage(cmp.Or(cfg.Language, p.language)),
		prompt:   keywordPrompt(cfg.Keywords),
		audio:    make(chan []byte, 256),
		partials: make(chan stt.Transcript, sessionChannelBuffer),
		finals:   make(chan stt.Transcript, sessionChannelBuffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// baseLanguage turns a BCP-47 tag into the ISO 639-1 code whisper expects.
func baseLanguage(tag string) string {
	lang, _, _ := strings.Cut(tag, "-")
	return strings.ToLower(lang)
}

// keywordPrompt phrases keyword hints as an initial prompt, strongest boost
// first. Negative boosts cannot be expressed in a prompt and are skipped.
func keywordPrompt(keywords []stt.KeywordBoost) string {
	kws := slices.Clone(keywords)
	slices.SortStableFunc(kws, func(a, b stt.KeywordBoost) int {
		return cmp.Compare(b.Boost, a.Boost)
	})
	words := make([]string, 0, len(kws))
	for _, kw := range kws {
		if w := strings.TrimSpace(kw.Keyword); w != "" && kw.Boost >= 0 {
			words = append(words, w)
		}
	}
	return strings.Join(words, ", ")
}

// inferenceResponse is the JSON body of a successful /inference call.
type inferenceResponse struct {
	Text string `json:"text"`
}

// infer posts pcm as a 16 kHz mono WAV file and returns the trimmed text.
func (p *Provider) infer(ctx context.Context, pcm []byte, f audio.Format, language, prompt string) (string, error) {
	wav := audio.EncodeWAV(audio.ConvertPCM(pcm, f, audio.FormatSTT), audio.FormatSTT)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"language", language},
		{"prompt", prompt},
		{"model", p.model},
	}
	for _, kv := range fields {
		if kv[1] == "" {
			continue
		}
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return "", fmt.Errorf("whisper: build request: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+inferenceEndpoint, &body)
	if err != nil {
		return "", fmt.Errorf("whisper: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("whisper: inference: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(data))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return "", fmt.Errorf("whisper: inference: status %d: %s", resp.StatusCode, msg)
	}
	var out inferenceResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("whisper: inference: decode: %w", err)
	}
	text := strings.TrimSpace(out.Text)
	if text == blankAudio {
		text = ""
	}
	return text, nil
}

// ---- session ----

// session implements stt.SessionHandle. All buffer state is owned by the
// run goroutine; mu guards only the prompt.
type session struct {
	p      *Provider
	ctx    context.Context
	cancel context.CancelFunc
	format audio.Format

	language string

	mu     sync.Mutex
	prompt string

	audio    chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	// Owned by run.
	buf        []byte
	start      time.Duration // utterance start, relative to session start
	offset     time.Duration // audio received so far
	silent     time.Duration // trailing silence in buf
	partialAt  time.Duration // buffered length at the last partial
	hadPartial bool
}

var _ stt.SessionHandle = (*session)(nil)

// SendAudio implements stt.SessionHandle.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.closing:
		return stt.ErrSessionClosed
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Partials implements stt.SessionHandle.
func (s *session) Partials() <-chan stt.Transcript { return s.partials }

// Finals implements stt.SessionHandle.
func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// SetKeywords implements stt.SessionHandle. The new prompt applies from the
// next request on.
func (s *session) SetKeywords(keywords []stt.KeywordBoost) error {
	select {
	case <-s.closing:
		return stt.ErrSessionClosed
	default:
	}
	prompt := keywordPrompt(keywords)
	s.mu.Lock()
	s.prompt = prompt
	s.mu.Unlock()
	return nil
}

// Close implements stt.SessionHandle. Queued audio and the utterance in
// progress are transcribed before the channels close.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	<-s.done
	s.cancel()
	return nil
}

func (s *session) run() {
	defer close(s.done)
	defer close(s.finals)
	defer close(s.partials)

	for {
		select {
		case chunk := <-s.audio:
			s.feed(chunk)
		case <-s.closing:
			s.drain()
			ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
			s.flush(ctx)
			cancel()
			return
		}
	}
}

// drain feeds the audio queued before Close.
func (s *session) drain() {
	for {
		select {
		case chunk := <-s.audio:
			s.feed(chunk)
		default:
			return
		}
	}
}

// feed adds one chunk to the utterance buffer and cuts the utterance when
// the silence or length limit is reached.
func (s *session) feed(chunk []byte) {
	dur := s.format.Duration(len(chunk))
	loud := rms(chunk) >= s.p.energy
	switch {
	case loud:
		if len(s.buf) == 0 {
			s.start = s.offset
		}
		s.buf = append(s.buf, chunk...)
		s.silent = 0
	case len(s.buf) > 0:
		s.buf = append(s.buf, chunk...)
		s.silent += dur
	}
	s.offset += dur
	if len(s.buf) == 0 {
		return
	}

	buffered := s.format.Duration(len(s.buf))
	switch {
	case s.silent >= s.p.silence, buffered >= s.p.maxUtterance:
		s.flush(s.ctx)
	case loud && s.p.partialEvery > 0 && buffered-s.partialAt >= s.p.partialEvery:
		s.partialAt = buffered
		s.partial()
	}
}

// partial transcribes the utterance so far.
func (s *session) partial() {
	text, err := s.p.infer(s.ctx, s.buf, s.format, s.language, s.currentPrompt())
	if err != nil {
		if s.ctx.Err() == nil {
			s.p.log.Debug("whisper: partial inference failed", "err", err)
		}
		return
	}
	if text == "" {
		return
	}
	s.hadPartial = true
	s.emit(s.partials, stt.Transcript{Text: text, Timestamp: s.start}, "partial")
}

// flush transcribes and clears the buffered utterance.
func (s *session) flush(ctx context.Context) {
	if len(s.buf) == 0 {
		return
	}
	pcm, start, hadPartial := s.buf, s.start, s.hadPartial
	s.buf, s.silent, s.partialAt, s.hadPartial = nil, 0, 0, false

	text, err := s.p.infer(ctx, pcm, s.format, s.language, s.currentPrompt())
	if err != nil {
		if ctx.Err() == nil {
			s.p.log.Warn("whisper: inference failed, utterance dropped",
				"err", err,
				"duration", s.format.Duration(len(pcm)),
			)
		}
		text = ""
	}
	// An empty final still retracts an earlier partial.
	if text == "" && !hadPartial {
		return
	}
	s.emit(s.finals, stt.Transcript{Text: text, IsFinal: true, Timestamp: start}, "final")
}

func (s *session) emit(ch chan stt.Transcript, t stt.Transcript, kind string) {
	select {
	case ch <- t:
	default:
		s.p.log.Warn("whisper: transcript channel full, dropping result", "kind", kind)
	}
}

func (s *session) currentPrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.prompt
}

// rms returns the root mean square of the int16 samples in pcm.
func rms(pcm []byte) float64 {
	samples := audio.BytesToSamples(pcm)
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, v := range samples {
		f := float64(v)
		sum += f * f
	}
	return math.Sqrt(sum / float64(len(samples)))
}
