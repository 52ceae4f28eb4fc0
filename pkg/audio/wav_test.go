package audio_test

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/MrWong99/speechdeck/pkg/audio"
)

func TestDecodeWAV_Encoded(t *testing.T) {
	t.Parallel()
	pcm := audio.SamplesToBytes([]int16{1, -2, 3, -4})
	f := audio.Format{SampleRate: 22050, Channels: 2}

	wav := audio.EncodeWAV(pcm, f)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d, want %d", len(wav), 44+len(pcm))
	}
	got, gotFmt, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if gotFmt != f {
		t.Errorf("format = %s, want %s", gotFmt, f)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_SkipsUnknownChunks(t *testing.T) {
	t.Parallel()
	pcm := audio.SamplesToBytes([]int16{7, 8, 9})
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 16000, Channels: 1})

	// Insert an odd-sized LIST chunk (plus its pad byte) between fmt and data.
	list := []byte("LIST\x03\x00\x00\x00abc\x00")
	withList := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)

	got, f, err := audio.DecodeWAV(withList)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if f.SampleRate != 16000 || !bytes.Equal(got, pcm) {
		t.Errorf("got %v at %s", got, f)
	}
}

func TestDecodeWAV_PlaceholderDataSize(t *testing.T) {
	t.Parallel()
	pcm := audio.SamplesToBytes([]int16{100, 200, 300})
	wav := audio.EncodeWAV(pcm, audio.Format{SampleRate: 24000, Channels: 1})
	binary.LittleEndian.PutUint32(wav[40:44], 0xFFFFFFFF)

	got, _, err := audio.DecodeWAV(wav)
	if err != nil {
		t.Fatalf("DecodeWAV: %v", err)
	}
	if !bytes.Equal(got, pcm) {
		t.Errorf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAV_Invalid(t *testing.T) {
	t.Parallel()
	eightBit := audio.EncodeWAV([]byte{1, 2}, audio.Format{SampleRate: 8000, Channels: 1})
	binary.LittleEndian.PutUint16(eightBit[34:36], 8)

	noData := audio.EncodeWAV(nil, audio.Format{SampleRate: 8000, Channels: 1})[:36]

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "not riff", data: []byte("this is not a wav file at all")},
		{name: "8-bit", data: eightBit},
		{name: "no data chunk", data: noData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, _, err := audio.DecodeWAV(tt.data); !errors.Is(err, audio.ErrInvalidWAV) {
				t.Errorf("err = %v, want ErrInvalidWAV", err)
			}
		})
	}
}
