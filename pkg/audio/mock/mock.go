// Package mock provides in-memory implementations of [audio.Player] and
// [audio.Source] for use in unit tests.
//
// Both mocks are safe for concurrent use. They record every call so tests can
// assert on call counts and arguments, and they expose fields that control
// return values.
//
// Typical usage:
//
//	player := &mock.Player{}
//	src := &mock.Source{AvailableResult: true, Chunks: [][]byte{pcm}}
//	ch, err := src.Capture(ctx, audio.FormatSTT)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speechdeck/pkg/audio"
)

// PlayCall records a single [Player.Play] invocation.
type PlayCall struct {
	Format audio.Format
	// Chunks holds every chunk consumed from the pcm channel.
	Chunks [][]byte
	// Cancelled is true when Play returned because ctx was done.
	Cancelled bool
}

// Player is a mock implementation of [audio.Player]. Play consumes the pcm
// channel until it closes or ctx is cancelled.
type Player struct {
	mu sync.Mutex

	// PlayErr, if non-nil, is returned by Play before reading any audio.
	PlayErr error

	// Block, if non-nil, makes Play wait for it to be closed (or ctx to be
	// cancelled) before consuming audio. Use it to simulate long playback.
	Block chan struct{}

	// Calls records every completed Play call.
	Calls []PlayCall

	// Started is signalled (non-blocking) each time Play is entered.
	Started chan struct{}
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, format audio.Format, pcm <-chan []byte) error {
	p.mu.Lock()
	playErr, block, started := p.PlayErr, p.Block, p.Started
	p.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}

	call := PlayCall{Format: format}
	defer func() {
		p.mu.Lock()
		p.Calls = append(p.Calls, call)
		p.mu.Unlock()
	}()

	if playErr != nil {
		return playErr
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			call.Cancelled = true
			return ctx.Err()
		}
	}
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				return nil
			}
			call.Chunks = append(call.Chunks, chunk)
		case <-ctx.Done():
			call.Cancelled = true
			return ctx.Err()
		}
	}
}

// PlayCalls returns a copy of the recorded calls. Thread-safe.
func (p *Player) PlayCalls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.Calls))
	copy(out, p.Calls)
	return out
}

// Source is a mock implementation of [audio.Source].
type Source struct {
	mu sync.Mutex

	// AvailableResult is returned by Available.
	AvailableResult bool

	// CaptureErr, if non-nil, is returned by Capture.
	CaptureErr error

	// Chunks are delivered in order on every Capture channel. The channel
	// then stays open until ctx is cancelled, like a live microphone.
	Chunks [][]byte

	// CaptureFormats records the format requested by each Capture call.
	CaptureFormats []audio.Format

	// AvailableCalls counts Available invocations.
	AvailableCalls int
}

// Available implements [audio.Source].
func (s *Source) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AvailableCalls++
	return s.AvailableResult
}

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context, format audio.Format) (<-chan []byte, error) {
	s.mu.Lock()
	s.CaptureFormats = append(s.CaptureFormats, format)
	err := s.CaptureErr
	chunks := make([][]byte, len(s.Chunks))
	copy(chunks, s.Chunks)
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	ch := make(chan []byte)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// CaptureCount returns the number of Capture calls. Thread-safe.
func (s *Source) CaptureCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.CaptureFormats)
}

// Device combines a [Player] and a [Source] into an [audio.Device].
type Device struct {
	Player
	Source

	mu     sync.Mutex
	closed int
}

// Close records the call and returns nil.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed++
	return nil
}

// CloseCount returns the number of Close calls. Thread-safe.
func (d *Device) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

var (
	_ audio.Player = (*Player)(nil)
	_ audio.Source = (*Source)(nil)
	_ audio.Device = (*Device)(nil)
)
