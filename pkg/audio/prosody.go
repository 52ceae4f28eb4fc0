package audio

import "math"

// stretchWindow is the overlap-add grain length.
const stretchWindow = 30 // ms

// ApplyProsody changes the speaking rate and pitch of pcm. speed > 1 shortens
// the audio, pitch > 1 raises it; both are multipliers where 1.0 is neutral.
// Non-positive factors count as 1.0.
//
// Pitch is shifted by resampling and the duration change that causes is
// undone by [TimeStretch], so the two factors are independent.
func ApplyProsody(pcm []byte, f Format, speed, pitch float64) []byte {
	if !f.Valid() || len(pcm) < 2*f.Channels {
		return pcm
	}
	if speed <= 0 {
		speed = 1
	}
	if pitch <= 0 {
		pitch = 1
	}

	if math.Abs(pitch-1) > 1e-3 {
		src := int(math.Round(float64(f.SampleRate) * pitch))
		pcm = resample(pcm, f.Channels, src, f.SampleRate)
	}
	return TimeStretch(pcm, f, pitch/speed)
}

// TimeStretch scales the duration of pcm by ratio (output length over input
// length) without changing its pitch. It uses Hann-windowed overlap-add with
// 50% overlap on the output side. Ratios within 0.1% of 1 return pcm unchanged.
func TimeStretch(pcm []byte, f Format, ratio float64) []byte {
	ch := f.Channels
	if !f.Valid() || ratio <= 0 || math.Abs(ratio-1) <= 1e-3 {
		return pcm
	}
	frames := len(pcm) / (2 * ch)
	outFrames := int(float64(frames) * ratio)
	if frames == 0 || outFrames == 0 {
		return nil
	}

	n := max(f.SampleRate*stretchWindow/1000, 64)
	n -= n % 2
	synHop := n / 2
	anaHop := float64(synHop) / ratio

	// Half-sample offset keeps every weight positive, so the normalisation
	// below never divides by zero.
	window := make([]float64, n)
	for i := range window {
		window[i] = 0.5 - 0.5*math.Cos(2*math.Pi*(float64(i)+0.5)/float64(n))
	}

	acc := make([]float64, outFrames*ch)
	norm := make([]float64, outFrames)
	for k := 0; k*synHop < outFrames; k++ {
		outPos := k * synHop
		inPos := int(float64(k) * anaHop)
		for i := 0; i < n && outPos+i < outFrames; i++ {
			src := min(inPos+i, frames-1)
			w := window[i]
			for c := range ch {
				acc[(outPos+i)*ch+c] += w * float64(sample(pcm, src*ch+c))
			}
			norm[outPos+i] += w
		}
	}

	out := make([]byte, outFrames*ch*2)
	for i := range outFrames {
		for c := range ch {
			v := acc[i*ch+c] / norm[i]
			putSample(out, i*ch+c, clamp16(int32(math.Round(v))))
		}
	}
	return out
}
