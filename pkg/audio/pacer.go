package audio

import (
	"context"
	"sync"
	"time"
)

// BytesPerCarrierFrame is one 20ms μ-law frame at 8kHz.
const BytesPerCarrierFrame = CarrierSampleRate * FrameDurationMs / 1000

// SplitFrames cuts encoded audio into frameBytes sized pieces. The last
// piece may be shorter.
func SplitFrames(data []byte, frameBytes int) [][]byte {
	if frameBytes <= 0 || len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+frameBytes-1)/frameBytes)
	for off := 0; off < len(data); off += frameBytes {
		end := off + frameBytes
		if end > len(data) {
			end = len(data)
		}
		frames = append(frames, data[off:end])
	}
	return frames
}

// Pacer keeps outbound audio close to real time so that an interruption
// can stop playback at frame granularity instead of after the carrier
// has already buffered a whole reply.
//
// Frames are released at most lead ahead of their playback time.
type Pacer struct {
	mu       sync.Mutex
	frameDur time.Duration
	lead     time.Duration
	start    time.Time
	sent     int
	now      func() time.Time
}

// NewPacer creates a pacer for frames of frameDur. A zero lead disables
// pacing: Wait never blocks.
func NewPacer(frameDur, lead time.Duration) *Pacer {
	return &Pacer{frameDur: frameDur, lead: lead, now: time.Now}
}

// Wait blocks until the next frame may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil || p.lead <= 0 {
		return ctx.Err()
	}

	p.mu.Lock()
	now := p.now()
	if p.start.IsZero() || now.Sub(p.start) > time.Duration(p.sent)*p.frameDur {
		// idle gap: restart the clock
		p.start = now
		p.sent = 0
	}
	due := p.start.Add(time.Duration(p.sent)*p.frameDur - p.lead)
	p.sent++
	p.mu.Unlock()

	delay := due.Sub(now)
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reset forgets previously sent frames, e.g. after the carrier was told
// to clear its playback buffer.
func (p *Pacer) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.start = time.Time{}
	p.sent = 0
	p.mu.Unlock()
}
