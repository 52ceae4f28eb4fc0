// Package portaudio plays and captures PCM audio on the host's default sound
// devices through PortAudio.
//
// A single [Device] implements both [audio.Player] and [audio.Source]. The
// PortAudio library is initialised by [Open] and terminated by
// [Device.Close]; all other methods must be called in between.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/speechdeck/pkg/audio"
)

// DefaultFramesPerBuffer is used when no frames-per-buffer option is given.
const DefaultFramesPerBuffer = 1024

// ErrClosed is returned by operations on a closed Device.
var ErrClosed = errors.New("portaudio: device closed")

// Device is the host sound card. It is safe for concurrent use; playback calls
// are serialised so utterances never overlap.
type Device struct {
	framesPerBuffer int
	log             *slog.Logger

	playMu sync.Mutex

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a [Device].
type Option func(*Device)

// WithFramesPerBuffer sets the PortAudio buffer size in frames.
func WithFramesPerBuffer(n int) Option {
	return func(d *Device) {
		if n > 0 {
			d.framesPerBuffer = n
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.log = l
		}
	}
}

// Open initialises PortAudio and returns a Device bound to the default input
// and output devices.
func Open(opts ...Option) (*Device, error) {
	d := &Device{
		framesPerBuffer: DefaultFramesPerBuffer,
		log:             slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	return d, nil
}

// Close waits for running captures to end and terminates PortAudio. Close
// is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.wg.Wait()
	if err := pa.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// Available reports whether the host has a default input device with at least
// one input channel.
func (d *Device) Available() bool {
	if d.isClosed() {
		return false
	}
	info, err := pa.DefaultInputDevice()
	if err != nil || info == nil {
		return false
	}
	return info.MaxInputChannels > 0
}

func (d *Device) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Play implements [audio.Player]. The output stream is opened in the format of
// the audio, so no conversion takes place.
func (d *Device) Play(ctx context.Context, format audio.Format, pcm <-chan []byte) error {
	if d.isClosed() {
		return ErrClosed
	}
	if !format.Valid() {
		return fmt.Errorf("portaudio: play: invalid format %s", format)
	}

	d.playMu.Lock()
	defer d.playMu.Unlock()

	buf := make([]int16, d.framesPerBuffer*format.Channels)
	stream, err := pa.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), d.framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("portaudio: open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("portaudio: start output stream: %w", err)
	}
	defer stream.Stop()

	d.log.Debug("portaudio: playback started", "format", format.String())
	var q sampleQueue
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-pcm:
			if !ok {
				if q.flush(buf) {
					if err := stream.Write(); err != nil {
						return fmt.Errorf("portaudio: write: %w", err)
					}
				}
				return nil
			}
			q.push(chunk)
			for q.fill(buf) {
				if err := stream.Write(); err != nil {
					return fmt.Errorf("portaudio: write: %w", err)
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
		}
	}
}

// Capture implements [audio.Source]. The microphone is opened in mono at the
// device's default sample rate and converted to format on the fly, since many
// devices do not accept 16 kHz directly.
func (d *Device) Capture(ctx context.Context, format audio.Format) (<-chan []byte, error) {
	if d.isClosed() {
		return nil, ErrClosed
	}
	if !format.Valid() {
		return nil, fmt.Errorf("portaudio: capture: invalid format %s", format)
	}
	info, err := pa.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("portaudio: default input device: %w", err)
	}
	native := audio.Format{SampleRate: int(info.DefaultSampleRate), Channels: 1}
	if !native.Valid() {
		native.SampleRate = format.SampleRate
	}

	buf := make([]int16, d.framesPerBuffer)
	stream, err := pa.OpenDefaultStream(1, 0, float64(native.SampleRate), d.framesPerBuffer, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, fmt.Errorf("portaudio: start input stream: %w", err)
	}
	d.log.Debug("portaudio: capture started",
		"device", info.Name,
		"native", native.String(),
		"format", format.String(),
	)

	out := make(chan []byte, 16)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer close(out)
		defer stream.Close()
		defer stream.Stop()

		for ctx.Err() == nil {
			if err := stream.Read(); err != nil {
				// Overflows are routine on busy hosts; keep reading.
				if errors.Is(err, pa.InputOverflowed) {
					continue
				}
				d.log.Warn("portaudio: read failed, stopping capture", "err", err)
				return
			}
			chunk := audio.ConvertPCM(audio.SamplesToBytes(buf), native, format)
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			default:
				d.log.Debug("portaudio: capture consumer slow, dropping chunk")
			}
		}
	}()
	return out, nil
}

// sampleQueue buffers decoded samples between arbitrarily sized network
// chunks and fixed-size PortAudio buffers.
type sampleQueue struct {
	pending []int16
	odd     []byte
}

// push appends a chunk of little-endian PCM. A trailing odd byte is carried
// over to the next chunk.
func (q *sampleQueue) push(chunk []byte) {
	if len(q.odd) > 0 {
		chunk = append(q.odd, chunk...)
		q.odd = nil
	}
	if len(chunk)%2 != 0 {
		q.odd = []byte{chunk[len(chunk)-1]}
		chunk = chunk[:len(chunk)-1]
	}
	q.pending = append(q.pending, audio.BytesToSamples(chunk)...)
}

// fill copies a full buffer's worth of samples into buf and reports whether
// it did.
func (q *sampleQueue) fill(buf []int16) bool {
	if len(q.pending) < len(buf) {
		return false
	}
	copy(buf, q.pending)
	q.pending = q.pending[len(buf):]
	return true
}

// flush copies the remaining samples into buf, zero-padding the rest. It
// reports false when nothing was pending.
func (q *sampleQueue) flush(buf []int16) bool {
	if len(q.pending) == 0 {
		return false
	}
	n := copy(buf, q.pending)
	clear(buf[n:])
	q.pending = q.pending[n:]
	return true
}

var (
	_ audio.Player = (*Device)(nil)
	_ audio.Source = (*Device)(nil)
	_ audio.Device = (*Device)(nil)
)
