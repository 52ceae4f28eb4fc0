// Package audio holds the PCM primitives shared by the speech engines: stream
// formats, format conversion, and the [Player] and [Source] contracts that
// local sound devices implement.
//
// Implementations live in sub-packages (audio/portaudio for the host sound
// card, audio/mock for tests).
package audio

import "context"

// Player renders PCM audio on an output device.
//
// Implementations must be safe for concurrent use; concurrent Play calls may
// be serialised.
type Player interface {
	// Play renders every chunk received on pcm, encoded in format, and
	// returns once pcm is closed and the audio has been handed to the device,
	// or when ctx is cancelled. On early return the caller is responsible for
	// draining pcm (see [Drain]).
	Play(ctx context.Context, format Format, pcm <-chan []byte) error
}

// Source captures PCM audio from an input device.
type Source interface {
	// Available reports whether an input device is present. It is a cheap
	// probe that does not open the device.
	Available() bool

	// Capture opens the input device and streams audio encoded in format
	// until ctx is cancelled, at which point the returned channel is closed.
	Capture(ctx context.Context, format Format) (<-chan []byte, error)
}

// Device is a sound card offering both directions. Close releases it; Play
// and Capture fail afterwards.
type Device interface {
	Player
	Source
	Close() error
}
