package audio

import (
	"encoding/binary"
)

// WAVHeaderSize is the size of a canonical RIFF/WAVE header.
const WAVHeaderSize = 44

// StripWAVHeader returns the PCM payload of a WAV buffer and the sample
// rate declared in its fmt chunk. ok is false when the buffer is shorter
// than a header or carries no samples; such buffers are dropped.
//
// Buffers without a RIFF signature are assumed to carry a canonical header
// and rate is reported as 0.
func StripWAVHeader(buf []byte) (pcm []byte, rate int, ok bool) {
	if len(buf) <= WAVHeaderSize {
		return nil, 0, false
	}
	if string(buf[0:4]) != "RIFF" || string(buf[8:12]) != "WAVE" {
		return buf[WAVHeaderSize:], 0, true
	}

	pos := 12
	for pos+8 <= len(buf) {
		id := string(buf[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(buf[pos+4 : pos+8]))
		body := pos + 8
		switch id {
		case "fmt ":
			if body+8 <= len(buf) {
				rate = int(binary.LittleEndian.Uint32(buf[body+4 : body+8]))
			}
		case "data":
			end := body + size
			// streamed WAVs declare 0 or 0xFFFFFFFF as the data size
			if size == 0 || end > len(buf) || end < body {
				end = len(buf)
			}
			if end <= body {
				return nil, rate, false
			}
			return buf[body:end], rate, true
		}
		if size < 0 || body+size > len(buf) {
			break
		}
		pos = body + size + size%2
	}
	return nil, rate, false
}
