package health

import (
	"context"
	"errors"

	"github.com/MrWong99/speechdeck/pkg/speech"
)

// Synthesis returns a checker that passes when the synthesiser can list its
// voices. An empty catalogue fails the check: nothing could be spoken.
func Synthesis(s speech.Synthesizer) Checker {
	return Checker{
		Name: "synthesis",
		Check: func(ctx context.Context) error {
			voices, err := s.Voices(ctx)
			if err != nil {
				return err
			}
			if len(voices) == 0 {
				return errors.New("no voices available")
			}
			return nil
		},
	}
}

// Recognition returns a checker that reports the recognition capability.
// A nil or unsupported recogniser is reported as disabled, not failed, so
// that text-to-speech-only deployments are ready.
func Recognition(r speech.Recognizer) Checker {
	return Checker{
		Name: "recognition",
		Check: func(context.Context) error {
			if r == nil || !r.Supported() {
				return ErrDisabled
			}
			return nil
		},
	}
}
