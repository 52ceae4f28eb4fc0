// Package coqui provides a TTS provider for a self-hosted Coqui TTS server.
//
// Two server flavours are supported:
//
//   - APIModeStandard targets the "tts-server" that ships with Coqui TTS.
//     Speech comes from GET /api/tts and the voice catalogue from GET /details.
//
//   - APIModeXTTS targets the XTTS v2 API server. Speech comes from
//     POST /tts_to_audio/ and the catalogue from GET /studio_speakers.
//
// Both servers answer one HTTP request per utterance with a WAV file, so the
// incoming text is split into sentences and synthesised with a small
// lookahead. Neither server takes a speaking rate or pitch; both are applied
// to the decoded audio with [audio.ApplyProsody].
package coqui

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
)

// APIMode selects the Coqui server flavour.
type APIMode string

const (
	// APIModeStandard is the default.
	APIModeStandard APIMode = "standard"
	APIModeXTTS     APIMode = "xtts"
)

// ParseAPIMode maps a config value to an APIMode. The empty string selects
// APIModeStandard.
func ParseAPIMode(s string) (APIMode, error) {
	switch APIMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", APIModeStandard:
		return APIModeStandard, nil
	case APIModeXTTS:
		return APIModeXTTS, nil
	}
	return "", fmt.Errorf("coqui: unknown api mode %q (want standard or xtts)", s)
}

const (
	apiTTSEndpoint         = "/api/tts"
	detailsEndpoint        = "/details"
	ttsToAudioEndpoint     = "/tts_to_audio/"
	studioSpeakersEndpoint = "/studio_speakers"
)

// MetaSingleSpeaker marks the catalogue entry of a single-speaker model. No
// speaker_id is sent for it.
const MetaSingleSpeaker = "single_speaker"

// DefaultFormat matches the native rate of the common VITS and Tacotron models.
var DefaultFormat = audio.Format{SampleRate: 22050, Channels: 1}

const (
	defaultTimeout = 60 * time.Second

	// lookahead bounds the sentence requests in flight after the first one.
	lookahead = 3

	// chunkSize is the size of the PCM slices sent to the caller.
	chunkSize = 4096

	// maxErrorBody caps how much of an error response is quoted.
	maxErrorBody = 256
)

// Local prosody stays intelligible within this range.
const (
	minFactor = 0.5
	maxFactor = 2.0
)

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider against a Coqui server.
type Provider struct {
	baseURL  string
	mode     APIMode
	language string
	format   audio.Format
	client   *http.Client
	log      *slog.Logger
}

type config struct {
	mode     APIMode
	language string
	format   audio.Format
	timeout  time.Duration
	client   *http.Client
	log      *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithAPIMode selects the server flavour. The default is APIModeStandard.
func WithAPIMode(m APIMode) Option {
	return func(c *config) {
		c.mode = m
	}
}

// WithLanguage sets the language sent with every request and reported for
// every voice. XTTS requires one and falls back to "en".
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithOutputFormat sets the PCM format emitted by SynthesizeStream. Server
// audio is converted to it. The default is DefaultFormat.
func WithOutputFormat(f audio.Format) Option {
	return func(c *config) {
		c.format = f
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
		return nil, errors.New("coqui: baseURL must not be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("coqui: parse baseURL: %w", err)
	}

	cfg := &config{
		mode:    APIModeStandard,
		format:  DefaultFormat,
		timeout: defaultTimeout,
	}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.mode != APIModeStandard && cfg.mode != APIModeXTTS {
		return nil, fmt.Errorf("coqui: unknown api mode %q", cfg.mode)
	}
	if !cfg.format.Valid() || cfg.format.Channels > 2 {
		return nil, fmt.Errorf("coqui: unsupported output format %s", cfg.format)
	}
	if cfg.client == nil {
		cfg.client = &http.Client{Timeout: cfg.timeout}
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	return &Provider{
		baseURL:  strings.TrimRight(baseURL, "/"),
		mode:     cfg.mode,
		language: cfg.language,
		format:   cfg.format,
		client:   cfg.client,
		log:      cfg.log,
	}, nil
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format {
	return p.format
}

// ---- ListVoices ----

// detailsResponse is the body of GET /details. Speakers is empty for
// single-speaker models.
type detailsResponse struct {
	ModelName string   `json:"model_name"`
	Language  string   `json:"language"`
	Speakers  []string `json:"speakers"`
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	if p.mode == APIModeXTTS {
		return p.listStudioSpeakers(ctx)
	}
	return p.listDetails(ctx)
}

func (p *Provider) listDetails(ctx context.Context) ([]tts.VoiceProfile, error) {
	var details detailsResponse
	if err := p.getJSON(ctx, detailsEndpoint, &details); err != nil {
		return nil, err
	}
	lang := details.Language
	if lang == "" {
		lang = p.language
	}
	meta := map[string]string{}
	if details.ModelName != "" {
		meta["model"] = details.ModelName
	}

	if len(details.Speakers) == 0 {
		id := details.ModelName
		if id == "" {
			id = "default"
		}
		meta[MetaSingleSpeaker] = "true"
		return []tts.VoiceProfile{{
			ID:       id,
			Name:     id,
			Language: lang,
			Provider: "coqui",
			Metadata: meta,
		}}, nil
	}

	out := make([]tts.VoiceProfile, 0, len(details.Speakers))
	for _, s := range details.Speakers {
		out = append(out, tts.VoiceProfile{
			ID:       s,
			Name:     s,
			Language: lang,
			Provider: "coqui",
			Metadata: maps.Clone(meta),
		})
	}
	return out, nil
}

func (p *Provider) listStudioSpeakers(ctx context.Context) ([]tts.VoiceProfile, error) {
	// Only the keys matter; the values hold speaker embeddings.
	var speakers map[string]json.RawMessage
	if err := p.getJSON(ctx, studioSpeakersEndpoint, &speakers); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(speakers))
	for name := range speakers {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]tts.VoiceProfile, 0, len(names))
	for _, name := range names {
		out = append(out, tts.VoiceProfile{
			ID:       name,
			Name:     name,
			Language: p.language,
			Provider: "coqui",
			Metadata: map[string]string{"model": "xtts_v2"},
		})
	}
	return out, nil
}

func (p *Provider) getJSON(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("coqui: list voices: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	body, err := p.do(req)
	if err != nil {
		return fmt.Errorf("coqui: list voices: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("coqui: list voices: decode %s: %w", endpoint, err)
	}
	return nil
}

// ---- SynthesizeStream ----

// SynthesizeStream implements tts.Provider. It blocks until the first
// sentence has been synthesised, so a rejected request surfaces as an error.
// Later sentences are requested ahead of playback; a failure among them ends
// the stream early.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("coqui: voice.ID must not be empty")
	}

	sr := &sentenceReader{text: text}
	first, ok, err := sr.next(ctx)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 64)
	if !ok {
		close(out)
		return out, nil
	}
	pcm, err := p.synthesize(ctx, first, voice)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	pending := make(chan chan result, lookahead)
	go p.dispatch(ctx, sr, voice, pending)

	go func() {
		defer close(out)
		defer cancel()
		if !emit(ctx, out, pcm) {
			return
		}
		for rc := range pending {
			var r result
			select {
			case r = <-rc:
			case <-ctx.Done():
				return
			}
			if r.err != nil {
				if ctx.Err() == nil {
					p.log.Warn("coqui: sentence synthesis failed", "err", r.err)
				}
				return
			}
			if !emit(ctx, out, r.pcm) {
				return
			}
		}
	}()
	return out, nil
}

type result struct {
	pcm []byte
	err error
}

// dispatch starts one request per remaining sentence and queues its result
// channel on pending in sentence order. The capacity of pending bounds the
// requests in flight.
func (p *Provider) dispatch(ctx context.Context, sr *sentenceReader, voice tts.VoiceProfile, pending chan<- chan result) {
	defer close(pending)
	for {
		sentence, ok, err := sr.next(ctx)
		if err != nil || !ok {
			return
		}
		rc := make(chan result, 1)
		select {
		case pending <- rc:
		case <-ctx.Done():
			return
		}
		go func() {
			pcm, err := p.synthesize(ctx, sentence, voice)
			rc <- result{pcm: pcm, err: err}
		}()
	}
}

// emit sends pcm in sample-aligned chunks. It reports false when ctx ends
// first.
func emit(ctx context.Context, out chan<- []byte, pcm []byte) bool {
	for len(pcm) > 0 {
		n := min(chunkSize, len(pcm))
		select {
		case out <- pcm[:n]:
		case <-ctx.Done():
			return false
		}
		pcm = pcm[n:]
	}
	return true
}

// synthesize fetches one sentence and returns it as PCM in p.format with the
// voice's prosody applied.
func (p *Provider) synthesize(ctx context.Context, sentence string, voice tts.VoiceProfile) ([]byte, error) {
	req, err := p.request(ctx, sentence, voice)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	body, err := p.do(req)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	pcm, src, err := audio.DecodeWAV(body)
	if err != nil {
		return nil, fmt.Errorf("coqui: synthesize: %w", err)
	}
	if src.Channels > 2 {
		return nil, fmt.Errorf("coqui: synthesize: unsupported server format %s", src)
	}
	pcm = audio.ConvertPCM(pcm, src, p.format)
	return audio.ApplyProsody(pcm, p.format, voice.Speed(minFactor, maxFactor), voice.Pitch(minFactor, maxFactor)), nil
}

// xttsRequest is the body of POST /tts_to_audio/.
type xttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

func (p *Provider) request(ctx context.Context, sentence string, voice tts.VoiceProfile) (*http.Request, error) {
	if p.mode == APIModeXTTS {
		lang := cmp.Or(voice.Language, p.language, "en")
		// XTTS wants the bare language code.
		lang, _, _ = strings.Cut(lang, "-")
		body, err := json.Marshal(xttsRequest{
			Text:       sentence,
			SpeakerWav: voice.ID,
			Language:   strings.ToLower(lang),
		})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+ttsToAudioEndpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}

	q := url.Values{"text": {sentence}}
	if voice.Metadata[MetaSingleSpeaker] != "true" {
		q.Set("speaker_id", voice.ID)
	}
	if p.language != "" {
		q.Set("language_id", p.language)
	}
	return http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+apiTTSEndpoint+"?"+q.Encode(), nil)
}

// do executes req and returns the body of a 2xx response.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", req.URL.Path, err)
	}
	if resp.StatusCode/100 != 2 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		return nil, fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	return body, nil
}
