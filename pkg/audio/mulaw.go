package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/zaf/g711"
)

// MuLawDecode converts a single μ-law byte to a 16-bit signed PCM sample.
func MuLawDecode(b byte) int16 {
	return g711.DecodeUlawFrame(b)
}

// MuLawEncode converts a 16-bit signed PCM sample to μ-law.
func MuLawEncode(sample int16) byte {
	return g711.EncodeUlawFrame(sample)
}

// MuLawToPCM converts μ-law bytes to little-endian 16-bit PCM bytes.
func MuLawToPCM(mulaw []byte) []byte {
	return g711.DecodeUlaw(mulaw)
}

// PCMToMuLaw converts little-endian 16-bit PCM bytes to μ-law.
// A trailing odd byte is ignored.
func PCMToMuLaw(pcm []byte) []byte {
	if len(pcm)%2 != 0 {
		pcm = pcm[:len(pcm)-1]
	}
	return g711.EncodeUlaw(pcm)
}

// BytesToSamples reinterprets little-endian PCM bytes as samples.
func BytesToSamples(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/BytesPerSample)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// SamplesToBytes serializes samples as little-endian PCM.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// Decode returns the linear samples carried by f.
func Decode(f Frame) ([]int16, error) {
	switch f.Codec {
	case CodecMuLaw:
		out := make([]int16, len(f.Payload))
		for i, b := range f.Payload {
			out[i] = g711.DecodeUlawFrame(b)
		}
		return out, nil
	case CodecPCM16:
		return BytesToSamples(f.Payload), nil
	case CodecWAV:
		pcm, _, ok := StripWAVHeader(f.Payload)
		if !ok {
			return nil, nil
		}
		return BytesToSamples(pcm), nil
	default:
		return nil, fmt.Errorf("audio: unsupported codec %q", f.Codec)
	}
}

// Encode produces a carrier μ-law frame from 8kHz samples.
func Encode(samples []int16) Frame {
	payload := make([]byte, len(samples))
	for i, s := range samples {
		payload[i] = g711.EncodeUlawFrame(s)
	}
	return NewMuLawFrame(payload, 0)
}
