package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// FormatConverter converts frames to a target format. It logs a warning on the
// first format mismatch and drops frames whose PCM data is not int16 aligned.
// Create one per stream; not designed for shared use across goroutines.
type FormatConverter struct {
	Target Format

	// Logger receives the one-shot warnings. Defaults to slog.Default().
	Logger *slog.Logger

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

func (c *FormatConverter) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Convert converts a frame to the target format. A frame that already matches
// the target is returned unchanged. A frame with an odd byte count comes back
// with nil Data and the target format.
func (c *FormatConverter) Convert(frame Frame) Frame {
	if len(frame.Data)%2 != 0 {
		c.warnedCorrupt.Do(func() {
			c.logger().Warn("audio: dropping frame with odd byte count",
				"bytes", len(frame.Data),
				"format", frame.Format.String(),
			)
		})
		return Frame{Format: c.Target, Timestamp: frame.Timestamp}
	}
	if frame.Format == c.Target {
		return frame
	}

	c.warnedMismatch.Do(func() {
		c.logger().Warn("audio: format mismatch, converting",
			"from", frame.Format.String(),
			"to", c.Target.String(),
		)
	})
	return Frame{
		Data:      ConvertPCM(frame.Data, frame.Format, c.Target),
		Format:    c.Target,
		Timestamp: frame.Timestamp,
	}
}

// ConvertPCM converts raw PCM from one format to another. It resamples first
// and converts channels second, so a stereo source headed for mono output is
// never resampled in stereo. Only mono/stereo layouts are converted; other
// channel counts are passed through.
func ConvertPCM(pcm []byte, from, to Format) []byte {
	if from == to || !from.Valid() || !to.Valid() {
		return pcm
	}
	if from.SampleRate != to.SampleRate {
		if from.Channels == 1 {
			pcm = ResampleMono16(pcm, from.SampleRate, to.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, from.SampleRate, to.SampleRate)
		}
	}
	switch {
	case from.Channels == 1 && to.Channels == 2:
		pcm = MonoToStereo(pcm)
	case from.Channels == 2 && to.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return pcm
}

// ConvertStream wraps in with a conversion goroutine and closes the returned
// channel when in closes. The output buffer matches cap(in). Frames that
// convert to empty data are dropped.
func ConvertStream(in <-chan Frame, target Format) <-chan Frame {
	out := make(chan Frame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		for frame := range in {
			converted := conv.Convert(frame)
			if len(converted.Data) == 0 {
				continue
			}
			out <- converted
		}
	}()
	return out
}

// MonoToStereo duplicates each int16 mono sample into an L+R pair. A trailing
// odd byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages L and R of every 4-byte stereo frame.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(sample(pcm, i*2))
		r := int32(sample(pcm, i*2+1))
		putSample(out, i, clamp16((l+r)/2))
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. Non-positive or equal rates return pcm unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 1, srcRate, dstRate)
}

// ResampleStereo16 resamples interleaved 16-bit stereo PCM from srcRate to
// dstRate using linear interpolation on each channel.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	return resample(pcm, 2, srcRate, dstRate)
}

func resample(pcm []byte, channels, srcRate, dstRate int) []byte {
	frameBytes := 2 * channels
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < frameBytes {
		return pcm
	}
	srcFrames := len(pcm) / frameBytes
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*frameBytes)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for ch := range channels {
			s0 := float64(sample(pcm, idx*channels+ch))
			s1 := float64(sample(pcm, next*channels+ch))
			putSample(out, i*channels+ch, int16(s0*(1-frac)+s1*frac))
		}
	}
	return out
}

// sample returns the i-th int16 sample of pcm.
func sample(pcm []byte, i int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[i*2:]))
}

func putSample(pcm []byte, i int, v int16) {
	binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
}

func clamp16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	}
	return int16(v)
}

// BytesToSamples decodes little-endian int16 PCM. A trailing odd byte is
// ignored.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = sample(pcm, i)
	}
	return out
}

// SamplesToBytes encodes int16 samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		putSample(out, i, s)
	}
	return out
}
