package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrInvalidWAV is returned by [DecodeWAV] for data that is not a 16-bit PCM
// RIFF/WAVE file.
var ErrInvalidWAV = errors.New("audio: invalid wav")

const wavHeaderSize = 44

// WAV format tags accepted by DecodeWAV.
const (
	wavFormatPCM        = 1
	wavFormatExtensible = 0xFFFE
)

// EncodeWAV wraps pcm in a canonical 44-byte RIFF/WAVE header describing f.
func EncodeWAV(pcm []byte, f Format) []byte {
	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], wavFormatPCM)
	le.PutUint16(out[22:24], uint16(f.Channels))
	le.PutUint32(out[24:28], uint32(f.SampleRate))
	le.PutUint32(out[28:32], uint32(f.BytesPerSecond()))
	le.PutUint16(out[32:34], uint16(f.Channels*2))
	le.PutUint16(out[34:36], 16)

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[44:], pcm)
	return out
}

// DecodeWAV walks the RIFF chunks of data and returns the samples of its data
// chunk together with the format from its fmt chunk. The returned slice
// aliases data.
//
// Streaming servers often write a placeholder data size; a size running past
// the end of data is clamped.
func DecodeWAV(data []byte) ([]byte, Format, error) {
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, Format{}, fmt.Errorf("%w: missing RIFF/WAVE header", ErrInvalidWAV)
	}
	le := binary.LittleEndian

	var f Format
	haveFmt := false
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(le.Uint32(data[off+4 : off+8]))
		body := off + 8

		switch id {
		case "fmt ":
			if size < 16 || body+16 > len(data) {
				return nil, Format{}, fmt.Errorf("%w: short fmt chunk", ErrInvalidWAV)
			}
			tag := le.Uint16(data[body : body+2])
			bits := le.Uint16(data[body+14 : body+16])
			if (tag != wavFormatPCM && tag != wavFormatExtensible) || bits != 16 {
				return nil, Format{}, fmt.Errorf("%w: want 16-bit pcm, got format %d with %d bits", ErrInvalidWAV, tag, bits)
			}
			f = Format{
				Channels:   int(le.Uint16(data[body+2 : body+4])),
				SampleRate: int(le.Uint32(data[body+4 : body+8])),
			}
			if !f.Valid() {
				return nil, Format{}, fmt.Errorf("%w: format %s", ErrInvalidWAV, f)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, Format{}, fmt.Errorf("%w: data chunk before fmt chunk", ErrInvalidWAV)
			}
			end := body + size
			if size < 0 || end > len(data) {
				end = len(data)
			}
			pcm := data[body:end]
			return pcm[:len(pcm)-len(pcm)%(2*f.Channels)], f, nil
		}

		// Chunks are word aligned.
		off = body + size + size%2
	}
	return nil, Format{}, fmt.Errorf("%w: missing data chunk", ErrInvalidWAV)
}
