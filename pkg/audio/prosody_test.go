package audio_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/MrWong99/speechdeck/pkg/audio"
)

var mono16k = audio.Format{SampleRate: 16000, Channels: 1}

// sine returns one second of a tone at hz in mono16k.
func sine(hz float64) []byte {
	s := make([]int16, mono16k.SampleRate)
	for i := range s {
		s[i] = int16(8000 * math.Sin(2*math.Pi*hz*float64(i)/float64(mono16k.SampleRate)))
	}
	return audio.SamplesToBytes(s)
}

// crossingRate returns zero crossings per sample over the middle of pcm,
// skipping the edges where grains are clamped.
func crossingRate(pcm []byte) float64 {
	s := audio.BytesToSamples(pcm)
	lo, hi := len(s)/8, len(s)-len(s)/8
	n := 0
	for i := lo + 1; i < hi; i++ {
		if (s[i-1] < 0) != (s[i] < 0) {
			n++
		}
	}
	return float64(n) / float64(hi-lo)
}

func TestApplyProsody_NeutralIsUnchanged(t *testing.T) {
	t.Parallel()
	pcm := sine(440)
	for _, f := range [][2]float64{{1, 1}, {0, 0}, {-1, 1}} {
		if out := audio.ApplyProsody(pcm, mono16k, f[0], f[1]); !bytes.Equal(out, pcm) {
			t.Errorf("speed %v pitch %v changed the audio", f[0], f[1])
		}
	}
}

func TestApplyProsody_SpeedKeepsPitch(t *testing.T) {
	t.Parallel()
	pcm := sine(440)
	out := audio.ApplyProsody(pcm, mono16k, 2.0, 1.0)

	if len(out) != len(pcm)/2 {
		t.Errorf("len = %d, want %d", len(out), len(pcm)/2)
	}
	in, got := crossingRate(pcm), crossingRate(out)
	if got < in*0.85 || got > in*1.15 {
		t.Errorf("crossing rate %.4f, want about %.4f", got, in)
	}
}

func TestApplyProsody_PitchKeepsDuration(t *testing.T) {
	t.Parallel()
	pcm := sine(440)
	out := audio.ApplyProsody(pcm, mono16k, 1.0, 2.0)

	if d := math.Abs(float64(len(out)-len(pcm))) / float64(len(pcm)); d > 0.01 {
		t.Errorf("len = %d, want about %d", len(out), len(pcm))
	}
	in, got := crossingRate(pcm), crossingRate(out)
	if ratio := got / in; ratio < 1.8 || ratio > 2.2 {
		t.Errorf("pitch ratio %.2f, want about 2", ratio)
	}
}

func TestTimeStretch_ConstantSignal(t *testing.T) {
	t.Parallel()
	stereo := audio.Format{SampleRate: 16000, Channels: 2}
	in := make([]int16, 2*4000)
	for i := range in {
		in[i] = 1000
		if i%2 == 1 {
			in[i] = -1000
		}
	}

	out := audio.BytesToSamples(audio.TimeStretch(audio.SamplesToBytes(in), stereo, 1.5))
	if len(out) != 2*6000 {
		t.Fatalf("samples = %d, want %d", len(out), 2*6000)
	}
	for i, v := range out {
		want := int16(1000)
		if i%2 == 1 {
			want = -1000
		}
		if v != want {
			t.Fatalf("sample %d = %d, want %d", i, v, want)
		}
	}
}

func TestTimeStretch_Degenerate(t *testing.T) {
	t.Parallel()
	if out := audio.TimeStretch(nil, mono16k, 2); out != nil {
		t.Errorf("empty input gave %d bytes", len(out))
	}
	pcm := sine(100)
	if out := audio.TimeStretch(pcm, mono16k, 0); !bytes.Equal(out, pcm) {
		t.Error("zero ratio changed the audio")
	}
	if out := audio.TimeStretch(pcm, audio.Format{}, 2); !bytes.Equal(out, pcm) {
		t.Error("invalid format changed the audio")
	}
}
