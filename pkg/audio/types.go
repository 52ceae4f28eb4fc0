package audio

import (
	"fmt"
	"time"
)

// Format describes the sample rate and channel count of a little-endian
// int16 PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Common formats used by the speech backends.
var (
	// FormatSTT is what streaming recognisers expect: 16 kHz mono.
	FormatSTT = Format{SampleRate: 16000, Channels: 1}
)

// Valid reports whether f describes a usable stream.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0
}

// BytesPerSecond returns the byte rate of f for int16 samples.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}

// Duration returns how long n bytes of PCM in format f play for.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	switch {
	case f.Channels == 2:
		ch = "stereo"
	case f.Channels > 2:
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// Frame is one chunk of PCM audio together with the format it is encoded in.
type Frame struct {
	// Data holds little-endian int16 samples, interleaved when Channels > 1.
	Data []byte

	Format

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}
