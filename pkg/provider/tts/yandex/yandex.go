// Package yandex provides a TTS provider backed by Yandex SpeechKit v3 over
// gRPC. Audio is requested as raw LINEAR16 PCM so it can be played without
// decoding.
package yandex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"

	ttsv3 "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/tts/v3"
	"google.golang.org/grpc"

	"github.com/MrWong99/speechdeck/internal/yandexcloud"
	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
)

const (
	defaultModel      = "general"
	defaultSampleRate = 22050

	// SpeechKit limits.
	minSpeed      = 0.1
	maxSpeed      = 3.0
	maxPitchShift = 1000.0
)

// catalogue lists the SpeechKit voices with their primary language.
var catalogue = []tts.VoiceProfile{
	{ID: "alena", Name: "Alena", Language: "ru-RU"},
	{ID: "filipp", Name: "Filipp", Language: "ru-RU"},
	{ID: "ermil", Name: "Ermil", Language: "ru-RU"},
	{ID: "jane", Name: "Jane", Language: "ru-RU"},
	{ID: "omazh", Name: "Omazh", Language: "ru-RU"},
	{ID: "zahar", Name: "Zahar", Language: "ru-RU"},
	{ID: "dasha", Name: "Dasha", Language: "ru-RU"},
	{ID: "julia", Name: "Julia", Language: "ru-RU"},
	{ID: "lera", Name: "Lera", Language: "ru-RU"},
	{ID: "masha", Name: "Masha", Language: "ru-RU"},
	{ID: "marina", Name: "Marina", Language: "ru-RU"},
	{ID: "alexander", Name: "Alexander", Language: "ru-RU"},
	{ID: "kirill", Name: "Kirill", Language: "ru-RU"},
	{ID: "anton", Name: "Anton", Language: "ru-RU"},
	{ID: "john", Name: "John", Language: "en-US"},
	{ID: "lea", Name: "Lea", Language: "de-DE"},
	{ID: "naomi", Name: "Naomi", Language: "he-IL"},
	{ID: "amira", Name: "Amira", Language: "kk-KK"},
	{ID: "madi", Name: "Madi", Language: "kk-KK"},
	{ID: "nigora", Name: "Nigora", Language: "uz-UZ"},
}

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the synthesis model. The default is "general".
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithSampleRate sets the PCM sample rate requested from SpeechKit.
func WithSampleRate(hz int) Option {
	return func(p *Provider) {
		if hz > 0 {
			p.sampleRate = hz
		}
	}
}

// WithConn uses an existing gRPC connection instead of dialling the public
// endpoint. The caller keeps ownership of conn.
func WithConn(conn grpc.ClientConnInterface) Option {
	return func(p *Provider) {
		p.client = ttsv3.NewSynthesizerClient(conn)
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// Provider implements tts.Provider backed by SpeechKit.
type Provider struct {
	creds      yandexcloud.Credentials
	client     ttsv3.SynthesizerClient
	conn       *grpc.ClientConn // owned; nil with WithConn
	model      string
	sampleRate int
	log        *slog.Logger
}

// New creates a SpeechKit TTS provider.
func New(creds yandexcloud.Credentials, opts ...Option) (*Provider, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("yandex tts: %w", err)
	}
	p := &Provider{
		creds:      creds,
		model:      defaultModel,
		sampleRate: defaultSampleRate,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		conn, err := yandexcloud.Dial(yandexcloud.TTSEndpoint)
		if err != nil {
			return nil, fmt.Errorf("yandex tts: %w", err)
		}
		p.conn = conn
		p.client = ttsv3.NewSynthesizerClient(conn)
	}
	return p, nil
}

// Close releases the gRPC connection opened by New.
func (p *Provider) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Close()
}

// Format implements tts.Provider.
func (p *Provider) Format() audio.Format {
	return audio.Format{SampleRate: p.sampleRate, Channels: 1}
}

// ListVoices implements tts.Provider. SpeechKit has no listing RPC; the
// catalogue is fixed.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	out := make([]tts.VoiceProfile, len(catalogue))
	for i, v := range catalogue {
		v.Provider = "yandex"
		out[i] = v
	}
	return out, nil
}

// SynthesizeStream implements tts.Provider. The text channel is collected
// into a single utterance request.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	if voice.ID == "" {
		return nil, errors.New("yandex tts: voice.ID must not be empty")
	}
	var sb strings.Builder
	for {
		select {
		case fragment, ok := <-text:
			if !ok {
				return p.synthesize(ctx, sb.String(), voice)
			}
			sb.WriteString(fragment)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *Provider) synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (<-chan []byte, error) {
	out := make(chan []byte, 64)
	if strings.TrimSpace(text) == "" {
		close(out)
		return out, nil
	}

	stream, err := p.client.UtteranceSynthesis(p.creds.Outgoing(ctx), p.buildRequest(text, voice))
	if err != nil {
		return nil, fmt.Errorf("yandex tts: start synthesis: %w", err)
	}
	// The first message carries either audio or the rejection status.
	first, err := stream.Recv()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("yandex tts: synthesis: %w", err)
	}

	go func() {
		defer close(out)
		resp := first
		for resp != nil {
			if data := resp.GetAudioChunk().GetData(); len(data) > 0 {
				select {
				case out <- data:
				case <-ctx.Done():
					return
				}
			}
			resp, err = stream.Recv()
			if err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					p.log.Warn("yandex tts: receive audio failed", "err", err)
				}
				return
			}
		}
	}()
	return out, nil
}

// buildRequest maps a voice profile onto SpeechKit hints.
func (p *Provider) buildRequest(text string, voice tts.VoiceProfile) *ttsv3.UtteranceSynthesisRequest {
	req := &ttsv3.UtteranceSynthesisRequest{}
	req.SetModel(p.model)
	req.SetText(text)

	voiceHint := &ttsv3.Hints{}
	voiceHint.SetVoice(voice.ID)
	speedHint := &ttsv3.Hints{}
	speedHint.SetSpeed(voice.Speed(minSpeed, maxSpeed))
	hints := []*ttsv3.Hints{voiceHint, speedHint}
	if shift := pitchShift(voice.Pitch(0.5, 2.0)); shift != 0 {
		pitchHint := &ttsv3.Hints{}
		pitchHint.SetPitchShift(shift)
		hints = append(hints, pitchHint)
	}
	req.SetHints(hints)

	raw := &ttsv3.RawAudio{}
	raw.SetAudioEncoding(ttsv3.RawAudio_LINEAR16_PCM)
	raw.SetSampleRateHertz(int64(p.sampleRate))
	spec := &ttsv3.AudioFormatOptions{}
	spec.SetRawAudio(raw)
	req.SetOutputAudioSpec(spec)
	req.SetLoudnessNormalizationType(ttsv3.UtteranceSynthesisRequest_LUFS)
	return req
}

// pitchShift converts a pitch factor to a SpeechKit pitch shift in Hz.
func pitchShift(pitch float64) float64 {
	return math.Max(-maxPitchShift, math.Min(maxPitchShift, math.Round((pitch-1)*1000)))
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
