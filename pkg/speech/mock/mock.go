// Package mock provides test doubles for the speech engine contracts.
//
// Use Synthesizer to control the voice catalogue and the outcome of Speak,
// and to inspect every SynthesisRequest the controller built. Use Recognizer
// to simulate platforms with or without speech recognition and to count the
// lifecycle calls the controller forwarded.
//
// Example:
//
//	synth := &mock.Synthesizer{VoicesResult: []speech.Voice{{ID: "Alex", Name: "Alex"}}}
//	rec := &mock.Recognizer{SupportedResult: true}
//	c, err := speech.New(synth, rec)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speechdeck/pkg/speech"
)

// Synthesizer is a mock implementation of speech.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// VoicesResult is returned by Voices.
	VoicesResult []speech.Voice

	// VoicesErr, if non-nil, is returned as the error from Voices.
	VoicesErr error

	// SpeakErr, if non-nil, is returned by every Speak call.
	SpeakErr error

	// VoicesCalls is the number of Voices calls.
	VoicesCalls int

	// SpeakCalls records every request passed to Speak in order.
	SpeakCalls []speech.SynthesisRequest
}

// Voices records the call and returns a copy of VoicesResult, VoicesErr.
func (s *Synthesizer) Voices(_ context.Context) ([]speech.Voice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VoicesCalls++
	if s.VoicesErr != nil {
		return nil, s.VoicesErr
	}
	out := make([]speech.Voice, len(s.VoicesResult))
	copy(out, s.VoicesResult)
	return out, nil
}

// Speak records the request and returns SpeakErr.
func (s *Synthesizer) Speak(_ context.Context, req speech.SynthesisRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Voice != nil {
		v := *req.Voice
		req.Voice = &v
	}
	s.SpeakCalls = append(s.SpeakCalls, req)
	return s.SpeakErr
}

// SetVoices replaces VoicesResult. Thread-safe.
func (s *Synthesizer) SetVoices(voices []speech.Voice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.VoicesResult = voices
}

// SpeakCallCount returns the number of Speak calls. Thread-safe.
func (s *Synthesizer) SpeakCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SpeakCalls)
}

// LastSpeak returns the most recent request passed to Speak.
func (s *Synthesizer) LastSpeak() (speech.SynthesisRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.SpeakCalls) == 0 {
		return speech.SynthesisRequest{}, false
	}
	return s.SpeakCalls[len(s.SpeakCalls)-1], true
}

// Recognizer is a mock implementation of speech.Recognizer.
type Recognizer struct {
	mu sync.Mutex

	// SupportedResult is returned by Supported.
	SupportedResult bool

	// StartErr, StopErr and ResetErr, if non-nil, are returned by the
	// corresponding method.
	StartErr error
	StopErr  error
	ResetErr error

	// Call counters.
	SupportedCalls int
	StartCalls     int
	StopCalls      int
	ResetCalls     int
}

// Supported records the call and returns SupportedResult.
func (r *Recognizer) Supported() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SupportedCalls++
	return r.SupportedResult
}

// Start records the call and returns StartErr.
func (r *Recognizer) Start(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StartCalls++
	return r.StartErr
}

// Stop records the call and returns StopErr.
func (r *Recognizer) Stop(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.StopCalls++
	return r.StopErr
}

// Reset records the call and returns ResetErr.
func (r *Recognizer) Reset(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ResetCalls++
	return r.ResetErr
}

// Calls returns the Start, Stop and Reset counters. Thread-safe.
func (r *Recognizer) Calls() (start, stop, reset int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.StartCalls, r.StopCalls, r.ResetCalls
}

// Compile-time interface assertions.
var (
	_ speech.Synthesizer = (*Synthesizer)(nil)
	_ speech.Recognizer  = (*Recognizer)(nil)
)
