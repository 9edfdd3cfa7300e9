// Package audio provides the codec layer of the relay: G.711 μ-law,
// PCM sample conversion, resampling, WAV unwrapping and 20ms framing.
package audio

import (
	"time"
)

// Codec identifies how a Frame payload is encoded.
type Codec string

const (
	CodecMuLaw Codec = "mulaw"
	CodecPCM16 Codec = "pcm16"
	CodecWAV   Codec = "wav"
)

const (
	// CarrierSampleRate is the telephone narrowband rate.
	CarrierSampleRate = 8000
	// SynthesisSampleRate is the rate synthesizers are asked to produce.
	SynthesisSampleRate = 24000
	// FrameDurationMs is the carrier packetization interval.
	FrameDurationMs = 20
	// BytesPerSample for 16-bit linear PCM.
	BytesPerSample = 2
)

// Frame is an immutable chunk of encoded audio.
type Frame struct {
	Codec      Codec
	SampleRate int
	Payload    []byte
	Timestamp  time.Time
	// Sequence is the carrier chunk number when known.
	Sequence int64
}

// NewMuLawFrame wraps a carrier payload.
func NewMuLawFrame(payload []byte, seq int64) Frame {
	return Frame{
		Codec:      CodecMuLaw,
		SampleRate: CarrierSampleRate,
		Payload:    payload,
		Timestamp:  time.Now(),
		Sequence:   seq,
	}
}

// Duration reports the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	var samples int
	switch f.Codec {
	case CodecMuLaw:
		samples = len(f.Payload)
	case CodecPCM16:
		samples = len(f.Payload) / BytesPerSample
	default:
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
