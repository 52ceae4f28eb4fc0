package stt

import "time"

// Transcript is a recognition result. Partial and final results share it.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal marks an authoritative result.
	IsFinal bool

	// Confidence is the overall confidence score (0.0-1.0), or zero when the
	// provider does not report one.
	Confidence float64

	// Words contains per-word detail when available.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration
}

// WordDetail holds per-word metadata from providers that report it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// KeywordBoost is a vocabulary hint.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity (provider-specific scale).
	Boost float64
}
