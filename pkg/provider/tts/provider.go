// Package tts defines the Provider interface for text-to-speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, OpenAI, Yandex
// SpeechKit, ...) and presents a uniform streaming interface. The primary
// entry point is SynthesizeStream, which accepts a channel of text fragments
// and returns a channel of raw PCM audio in the provider's [Provider.Format].
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/speechdeck/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// SynthesizeStream consumes text fragments from the text channel and
	// returns a channel that emits little-endian int16 PCM as it is
	// synthesised.
	//
	// The returned audio channel is closed by the implementation when all
	// text has been synthesised or when ctx is cancelled. The caller must
	// drain it to avoid blocking the provider's goroutines.
	//
	// voice.SpeedFactor and voice.PitchFactor carry the speaking rate and
	// pitch as multipliers (1.0 = neutral). Providers map them onto whatever
	// their service supports and ignore what it does not.
	//
	// A non-nil error means the request was rejected before any audio was
	// produced (unknown voice, bad credentials, unreachable service). Errors
	// during synthesis close the audio channel early.
	SynthesizeStream(ctx context.Context, text <-chan string, voice VoiceProfile) (<-chan []byte, error)

	// ListVoices returns all voice profiles available from this provider. The
	// list reflects the current catalogue and may change between calls.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)

	// Format returns the PCM format of the audio emitted by SynthesizeStream.
	Format() audio.Format
}

// SingleText returns a closed channel carrying text as its only fragment. Use
// it to synthesise a complete utterance through SynthesizeStream.
func SingleText(text string) <-chan string {
	ch := make(chan string, 1)
	if text != "" {
		ch <- text
	}
	close(ch)
	return ch
}
