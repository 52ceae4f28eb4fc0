// Package yandex provides a Yandex SpeechKit v3 streaming STT provider over
// gRPC. It implements the stt.Provider interface.
package yandex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	sttv3 "github.com/yandex-cloud/go-genproto/yandex/cloud/ai/stt/v3"
	"google.golang.org/grpc"

	"github.com/MrWong99/speechdeck/internal/yandexcloud"
	"github.com/MrWong99/speechdeck/pkg/provider/stt"
)

const (
	defaultModel      = "general"
	defaultLanguage   = "ru-RU"
	defaultSampleRate = 16000
)

// Option configures a Provider.
type Option func(*Provider)

// WithModel sets the recognition model. The default is "general".
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithLanguage sets the default recognition language.
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		if lang != "" {
			p.language = lang
		}
	}
}

// WithConn uses an existing gRPC connection instead of dialling the public
// endpoint. The caller keeps ownership of conn.
func WithConn(conn grpc.ClientConnInterface) Option {
	return func(p *Provider) {
		p.client = sttv3.NewRecognizerClient(conn)
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

// Provider implements stt.Provider backed by SpeechKit streaming recognition.
type Provider struct {
	creds    yandexcloud.Credentials
	client   sttv3.RecognizerClient
	conn     *grpc.ClientConn // owned; nil with WithConn
	model    string
	language string
	log      *slog.Logger
}

// New creates a SpeechKit STT provider.
func New(creds yandexcloud.Credentials, opts ...Option) (*Provider, error) {
	if err := creds.Validate(); err != nil {
		return nil, fmt.Errorf("yandex stt: %w", err)
	}
	p := &Provider{
		creds:    creds,
		model:    defaultModel,
		language: defaultLanguage,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.client == nil {
		conn, err := yandexcloud.Dial(yandexcloud.STTEndpoint)
		if err != nil {
			return nil, fmt.Errorf("yandex stt: %w", err)
		}
		p.conn = conn
		p.client = sttv3.NewRecognizerClient(conn)
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

// StartStream opens a RecognizeStreaming call and sends the session options.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	// The stream outlives the caller's context; Close ends it.
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := p.client.RecognizeStreaming(p.creds.Outgoing(streamCtx))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("yandex stt: open stream: %w", err)
	}
	if err := stream.Send(p.sessionOptions(cfg)); err != nil {
		cancel()
		return nil, fmt.Errorf("yandex stt: send session options: %w", err)
	}

	s := &session{
		stream:   stream,
		cancel:   cancel,
		log:      p.log,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop(streamCtx)
	go s.writeLoop()
	return s, nil
}

// sessionOptions builds the first streaming message.
func (p *Provider) sessionOptions(cfg stt.StreamConfig) *sttv3.StreamingRequest {
	rate := cfg.SampleRate
	if rate == 0 {
		rate = defaultSampleRate
	}
	channels := cfg.Channels
	if channels == 0 {
		channels = 1
	}
	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}

	return &sttv3.StreamingRequest{
		Event: &sttv3.StreamingRequest_SessionOptions{
			SessionOptions: &sttv3.StreamingOptions{
				RecognitionModel: &sttv3.RecognitionModelOptions{
					Model: p.model,
					AudioFormat: &sttv3.AudioFormatOptions{
						AudioFormat: &sttv3.AudioFormatOptions_RawAudio{
							RawAudio: &sttv3.RawAudio{
								AudioEncoding:     sttv3.RawAudio_LINEAR16_PCM,
								SampleRateHertz:   int64(rate),
								AudioChannelCount: int64(channels),
							},
						},
					},
					TextNormalization: &sttv3.TextNormalizationOptions{
						TextNormalization: sttv3.TextNormalizationOptions_TEXT_NORMALIZATION_ENABLED,
					},
					LanguageRestriction: &sttv3.LanguageRestrictionOptions{
						RestrictionType: sttv3.LanguageRestrictionOptions_WHITELIST,
						LanguageCode:    []string{lang},
					},
					AudioProcessingType: sttv3.RecognitionModelOptions_REAL_TIME,
				},
			},
		},
	}
}

// session is a live RecognizeStreaming call. It implements stt.SessionHandle.
type session struct {
	stream   sttv3.Recognizer_RecognizeStreamingClient
	cancel   context.CancelFunc
	log      *slog.Logger
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM chunk for delivery.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }
func (s *session) Finals() <-chan stt.Transcript   { return s.finals }

// SetKeywords is not supported by SpeechKit streaming recognition.
func (s *session) SetKeywords(_ []stt.KeywordBoost) error {
	return fmt.Errorf("yandex stt: set keywords: %w", stt.ErrNotSupported)
}

// Close half-closes the stream so SpeechKit flushes its last results, then
// waits briefly for them before cancelling the call.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		waited := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-time.After(3 * time.Second):
			s.cancel()
			<-waited
		}
		s.cancel()
	})
	return nil
}

// writeLoop is the only goroutine that sends on the stream.
func (s *session) writeLoop() {
	defer s.wg.Done()
	defer func() { _ = s.stream.CloseSend() }()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.stream.Send(chunkRequest(chunk)); err != nil {
				s.log.Debug("yandex stt: send audio failed", "err", err)
				return
			}
		case <-s.done:
			for {
				select {
				case chunk := <-s.audio:
					_ = s.stream.Send(chunkRequest(chunk))
				default:
					return
				}
			}
		}
	}
}

func chunkRequest(chunk []byte) *sttv3.StreamingRequest {
	return &sttv3.StreamingRequest{
		Event: &sttv3.StreamingRequest_Chunk{
			Chunk: &sttv3.AudioChunk{Data: chunk},
		},
	}
}

func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.log.Warn("yandex stt: receive failed", "err", err)
			}
			return
		}
		t, ok := parseResponse(resp)
		if !ok {
			continue
		}
		out := s.partials
		if t.IsFinal {
			out = s.finals
		}
		select {
		case out <- t:
		case <-ctx.Done():
			return
		}
	}
}

// parseResponse maps partial and final alternative updates to a Transcript.
// Other events (EOU, status, refinements) are ignored.
func parseResponse(resp *sttv3.StreamingResponse) (stt.Transcript, bool) {
	var (
		update  *sttv3.AlternativeUpdate
		isFinal bool
	)
	switch {
	case resp.GetFinal() != nil:
		update, isFinal = resp.GetFinal(), true
	case resp.GetPartial() != nil:
		update = resp.GetPartial()
	default:
		return stt.Transcript{}, false
	}
	alts := update.GetAlternatives()
	if len(alts) == 0 {
		// An empty final still commits the utterance.
		return stt.Transcript{IsFinal: isFinal}, isFinal
	}
	alt := alts[0]
	words := make([]stt.WordDetail, 0, len(alt.GetWords()))
	for _, w := range alt.GetWords() {
		words = append(words, stt.WordDetail{
			Word:  w.GetText(),
			Start: time.Duration(w.GetStartTimeMs()) * time.Millisecond,
			End:   time.Duration(w.GetEndTimeMs()) * time.Millisecond,
		})
	}
	return stt.Transcript{
		Text:       strings.TrimSpace(alt.GetText()),
		IsFinal:    isFinal,
		Confidence: alt.GetConfidence(),
		Words:      words,
		Timestamp:  time.Duration(alt.GetStartTimeMs()) * time.Millisecond,
	}, true
}
