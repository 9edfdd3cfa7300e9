package audio

import "fmt"

// ToCarrier converts synthesized audio to 8kHz μ-law ready for the
// carrier. rate is the sample rate reported by the synthesizer; for WAV
// input the header's rate wins when present. An unusable WAV buffer
// yields nil without error.
func ToCarrier(codec Codec, rate int, payload []byte) ([]byte, error) {
	switch codec {
	case CodecMuLaw:
		if rate != 0 && rate != CarrierSampleRate {
			samples, _ := Decode(Frame{Codec: CodecMuLaw, Payload: payload})
			return Encode(Resample(samples, rate, CarrierSampleRate)).Payload, nil
		}
		return payload, nil

	case CodecWAV:
		pcm, hdrRate, ok := StripWAVHeader(payload)
		if !ok {
			return nil, nil
		}
		if hdrRate > 0 {
			rate = hdrRate
		}
		return pcmToCarrier(pcm, rate)

	case CodecPCM16:
		return pcmToCarrier(payload, rate)

	default:
		return nil, fmt.Errorf("audio: unsupported codec %q", codec)
	}
}

func pcmToCarrier(pcm []byte, rate int) ([]byte, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("audio: unknown sample rate for %d bytes of pcm", len(pcm))
	}
	samples := Resample(BytesToSamples(pcm), rate, CarrierSampleRate)
	return Encode(samples).Payload, nil
}
