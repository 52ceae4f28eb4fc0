// Package stt defines the Provider interface for speech-to-text backends.
//
// An STT provider wraps a real-time transcription service (Deepgram, Yandex
// SpeechKit, ...) and exposes a uniform streaming interface. The central
// abstraction is SessionHandle: once opened, a session accepts raw PCM audio
// and emits two streams of Transcript values: low-latency partials and
// authoritative finals.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrNotSupported is returned by SessionHandle methods a backend cannot honour.
var ErrNotSupported = errors.New("stt: not supported")

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider pick its default.
	Language string

	// Keywords are vocabulary hints that raise the recognition probability of
	// uncommon words.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming session. Callers must call Close
// when done. All methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of little-endian int16 PCM matching the
	// StreamConfig. Calling SendAudio after Close returns ErrSessionClosed.
	SendAudio(chunk []byte) error

	// Partials emits interim hypotheses for the utterance in progress. The
	// channel is closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits committed results. The channel is closed when the session
	// ends.
	Finals() <-chan Transcript

	// SetKeywords replaces the keyword hints without restarting the session.
	// Backends without mid-session updates return ErrNotSupported.
	SetKeywords(keywords []KeywordBoost) error

	// Close terminates the session, flushes pending audio and releases all
	// resources. Partials and Finals are closed once Close returns. Calling
	// Close more than once is safe.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a new streaming session. The returned handle accepts
	// audio immediately. The caller owns it and must Close it.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
