// Package openai provides a TTS provider backed by the OpenAI speech API.
//
// OpenAI offers a fixed set of built-in voices. Audio is requested as raw PCM
// (24 kHz, 16-bit, mono) and streamed to the caller as the response body
// arrives.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
)

// DefaultModel supports free-form instructions, which carry the pitch.
const DefaultModel = oai.SpeechModelGPT4oMiniTTS

// OpenAI accepts speed in this range.
const (
	minSpeed = 0.25
	maxSpeed = 4.0
)

// chunkSize is the read size for streaming the PCM response body.
const chunkSize = 4096

// Voices is the built-in voice catalogue.
var Voices = []string{
	"alloy", "ash", "ballad", "coral", "echo", "fable",
	"nova", "onyx", "sage", "shimmer", "verse",
}

// Ensure Provider implements the tts.Provider interface.
var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client   oai.Client
	model    string
	language string
	log      *slog.Logger
}

// config holds optional configuration for the provider.
type config struct {
	baseURL  string
	timeout  time.Duration
	language string
	log      *slog.Logger
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithLanguage sets the language reported for every built-in voice. OpenAI
// voices are multilingual; the tag only labels the catalogue.
func WithLanguage(lang string) Option {
	return func(c *config) {
		c.language = lang
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// New constructs a new OpenAI TTS Provider. If model is empty, DefaultModel is
// used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{log: slog.Default()}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.log == nil {
		cfg.log = slog.Default()
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Provider{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
		log:      cfg.log,
	}, nil
}

// Format implements tts.Provider. OpenAI's "pcm" response format is fixed.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: 24000, Channels: 1}
}

// ListVoices implements tts.Provider.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, 0, len(Voices))
	for _, v := range Voices {
		out = append(out, tts.VoiceProfile{
			ID:       v,
			Name:     strings.ToUpper(v[:1]) + v[1:],
			Language: p.language,
			Provider: "openai",
		})
	}
	return out, nil
}

// SynthesizeStream implements tts.Provider. The text channel is collected
// into one request, since the speech endpoint takes the complete input.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("openai tts: voice.ID must not be empty")
	}

	var sb strings.Builder
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				return p.speak(ctx, sb.String(), voice)
			}
			sb.WriteString(fragment)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Provider) speak(ctx context.Context, input string, voice tts.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 64)
	if strings.TrimSpace(input) == "" {
		close(out)
		return out, nil
	}

	resp, err := p.client.Audio.Speech.New(ctx, p.params(input, voice))
	if err != nil {
		return nil, fmt.Errorf("openai tts: speech: %w", err)
	}

	go func() {
		defer close(out)
		defer resp.Body.Close()
		for {
			buf := make([]byte, chunkSize)
			n, err := io.ReadFull(resp.Body, buf)
			if n > 0 {
				// Keep chunks sample aligned.
				n -= n % 2
				select {
				case out <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && ctx.Err() == nil {
					p.log.Warn("openai tts: reading audio failed", "err", err)
				}
				return
			}
		}
	}()
	return out, nil
}

// params builds the request for one utterance.
func (p *Provider) params(input string, voice tts.VoiceProfile) oai.AudioSpeechNewParams {
	params := oai.AudioSpeechNewParams{
		Input:          input,
		Model:          oai.SpeechModel(p.model),
		Voice:          oai.AudioSpeechNewParamsVoice(voice.ID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if s := voice.Speed(minSpeed, maxSpeed); s != 1.0 {
		params.Speed = param.NewOpt(s)
	}
	if instr := pitchInstruction(voice.Pitch(0.5, 2.0)); instr != "" {
		if supportsInstructions(p.model) {
			params.Instructions = param.NewOpt(instr)
		} else {
			p.log.Debug("openai tts: model ignores pitch", "model", p.model)
		}
	}
	return params
}

// supportsInstructions reports whether model accepts the instructions field.
// The tts-1 family does not.
func supportsInstructions(model string) bool {
	return !strings.HasPrefix(model, "tts-1")
}

// pitchInstruction phrases a pitch factor as a speaking instruction. Factors
// close to neutral produce no instruction.
func pitchInstruction(pitch float64) string {
	switch {
	case pitch >= 1.5:
		return "Speak with a very high-pitched voice."
	case pitch > 1.05:
		return "Speak with a slightly higher pitch than usual."
	case pitch <= 0.7:
		return "Speak with a very deep, low-pitched voice."
	case pitch < 0.95:
		return "Speak with a slightly lower pitch than usual."
	}
	return ""
}
