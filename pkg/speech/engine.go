package speech

import "context"

// Synthesizer is the contract of a text-to-speech engine.
//
// Implementations own audio playback: Speak returns as soon as the request
// has been accepted and playback continues independently. Completion is not
// reported back.
type Synthesizer interface {
	// Voices enumerates the voices currently available. It may be called any
	// number of times and the result may change between calls.
	Voices(ctx context.Context) ([]Voice, error)

	// Speak dispatches req for playback. A non-nil error means the engine
	// rejected the request (e.g. missing or unknown voice).
	Speak(ctx context.Context, req SynthesisRequest) error
}

// Recognizer is the contract of a speech-to-text engine.
//
// Transcript updates are delivered out of band through
// [Controller.OnTranscriptUpdate]; each update carries the full cumulative
// transcript, not a delta. Implementations must tolerate redundant Start and
// Stop calls.
type Recognizer interface {
	// Supported reports whether recognition can work on this platform. It is
	// consulted once, when the controller is constructed.
	Supported() bool

	// Start begins capturing and transcribing audio.
	Start(ctx context.Context) error

	// Stop ends capture. One final in-flight update may still arrive.
	Stop(ctx context.Context) error

	// Reset discards the accumulated transcript so the next update starts
	// clean. No update attributing speech from before the reset may follow.
	Reset(ctx context.Context) error
}
