package tts

import "math"

// VoiceProfile describes one synthetic voice and the prosody to speak it with.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Language is a BCP-47 tag such as "en-US". Empty when unknown.
	Language string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// SpeedFactor scales the speaking rate (1.0 = default). Zero means default.
	SpeedFactor float64

	// PitchFactor scales the pitch (1.0 = default). Zero means default.
	PitchFactor float64

	// Metadata holds provider-specific voice attributes (gender, accent, ...).
	Metadata map[string]string
}

// Speed returns SpeedFactor clamped to [lo, hi], treating zero and NaN as 1.0.
func (v VoiceProfile) Speed(lo, hi float64) float64 {
	return factor(v.SpeedFactor, lo, hi)
}

// Pitch returns PitchFactor clamped to [lo, hi], treating zero and NaN as 1.0.
func (v VoiceProfile) Pitch(lo, hi float64) float64 {
	return factor(v.PitchFactor, lo, hi)
}

func factor(v, lo, hi float64) float64 {
	if v == 0 || math.IsNaN(v) {
		v = 1.0
	}
	return math.Max(lo, math.Min(hi, v))
}
