package speech

import (
	"errors"
	"fmt"
)

// ErrCapabilityUnavailable is reported when the recognition engine is not
// supported on the current platform. It disables the speech-to-text half of
// a controller only; synthesis keeps working.
var ErrCapabilityUnavailable = errors.New("speech: recognition capability unavailable")

// EngineError wraps a failure reported by one of the engines. The controller
// never retries and leaves its state untouched when an EngineError is
// returned.
type EngineError struct {
	// Op is the controller operation that triggered the engine call
	// ("speak", "start", "stop", "reset").
	Op string

	// Err is the error returned by the engine.
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("speech: %s: %v", e.Op, e.Err)
}

// Unwrap returns the engine's error so callers can match it with errors.Is.
func (e *EngineError) Unwrap() error {
	return e.Err
}
