package speech

import (
	"math"
	"slices"
)

// Rate and pitch bounds. Both are multipliers where 1.0 is the engine's
// natural speed or pitch.
const (
	MinRate     = 0.5
	MaxRate     = 2.0
	DefaultRate = 1.0

	MinPitch     = 0.5
	MaxPitch     = 2.0
	DefaultPitch = 1.0
)

// Voice describes one selectable synthetic voice as reported by the synthesis
// engine. Voices are immutable once reported.
type Voice struct {
	// ID is the selection key. Engines report the display name here, so two
	// installed voices with the same name are indistinguishable.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Language is the BCP-47 tag the voice speaks (e.g. "en-US").
	Language string `json:"language"`
}

// SynthesisRequest is built fresh for every speak action.
type SynthesisRequest struct {
	// Text may be empty.
	Text string

	// Rate is the playback-speed multiplier in [MinRate, MaxRate].
	Rate float64

	// Pitch is the vocal-pitch multiplier in [MinPitch, MaxPitch].
	Pitch float64

	// Voice is nil when no voice is selected (e.g. the catalog is empty). The
	// engine then falls back to its own default, or rejects the request.
	Voice *Voice
}

// State is a point-in-time copy of the session state. Mutating it has no
// effect on the controller.
type State struct {
	SessionID            string  `json:"session_id"`
	DraftText            string  `json:"draft_text"`
	Rate                 float64 `json:"rate"`
	Pitch                float64 `json:"pitch"`
	Voices               []Voice `json:"voices"`
	SelectedVoiceID      string  `json:"selected_voice_id"`
	Transcript           string  `json:"transcript"`
	Listening            bool    `json:"listening"`
	RecognitionAvailable bool    `json:"recognition_available"`
}

// CatalogReady reports whether at least one voice has been reported.
func (s State) CatalogReady() bool {
	return len(s.Voices) > 0
}

// ClampRate limits v to [MinRate, MaxRate]. NaN maps to DefaultRate.
func ClampRate(v float64) float64 {
	return clamp(v, MinRate, MaxRate, DefaultRate)
}

// ClampPitch limits v to [MinPitch, MaxPitch]. NaN maps to DefaultPitch.
func ClampPitch(v float64) float64 {
	return clamp(v, MinPitch, MaxPitch, DefaultPitch)
}

func clamp(v, lo, hi, def float64) float64 {
	if math.IsNaN(v) {
		return def
	}
	return math.Min(math.Max(v, lo), hi)
}

// indexOfVoice returns the position of the voice with the given id, or -1.
func indexOfVoice(voices []Voice, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(voices, func(v Voice) bool { return v.ID == id })
}
