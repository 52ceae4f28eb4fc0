// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments reach the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, tts.SingleText("hi"), voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speechdeck/pkg/audio"
	"github.com/MrWong99/speechdeck/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
	// Text is every fragment read from the text channel, in order. It is
	// complete once the returned audio channel has been closed.
	Text []string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the
	// channel returned by SynthesizeStream.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned from SynthesizeStream instead of
	// starting a channel.
	SynthesizeErr error

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// FormatResult is returned by Format. Defaults to 24 kHz mono.
	FormatResult audio.Format

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// SynthesizeStream records the call and, if SynthesizeErr is nil, returns a
// channel that emits SynthesizeChunks after the text channel closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	idx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	ch := make(chan []byte, len(chunks))
	go func() {
		defer close(ch)
		for fragment := range text {
			p.mu.Lock()
			p.SynthesizeStreamCalls[idx].Text = append(p.SynthesizeStreamCalls[idx].Text, fragment)
			p.mu.Unlock()
		}
		for _, chunk := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- chunk:
			}
		}
	}()
	return ch, nil
}

// ListVoices records the call and returns a copy of ListVoicesResult,
// ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	out := make([]tts.VoiceProfile, len(p.ListVoicesResult))
	copy(out, p.ListVoicesResult)
	return out, nil
}

// Format returns FormatResult, or 24 kHz mono when unset.
func (p *Provider) Format() audio.Format {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FormatResult.Valid() {
		return p.FormatResult
	}
	return audio.Format{SampleRate: 24000, Channels: 1}
}

// SetVoices replaces ListVoicesResult. Thread-safe.
func (p *Provider) SetVoices(voices []tts.VoiceProfile) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesResult = voices
}

// SetSynthesizeErr replaces SynthesizeErr. Thread-safe.
func (p *Provider) SetSynthesizeErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeErr = err
}

// Calls returns a copy of the recorded SynthesizeStream calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeStreamCall, len(p.SynthesizeStreamCalls))
	for i, c := range p.SynthesizeStreamCalls {
		c.Text = append([]string(nil), c.Text...)
		out[i] = c
	}
	return out
}

// ListVoicesCallCount returns the number of ListVoices calls. Thread-safe.
func (p *Provider) ListVoicesCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesCalls
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
