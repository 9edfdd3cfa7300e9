//go:build !ffmpeg

package audio

import "fmt"

// NewResampler returns the resampler used on the synthesis path.
func NewResampler(fromRate, toRate int) (Resampler, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: %d -> %d", fromRate, toRate)
	}
	return linearResampler{from: fromRate, to: toRate}, nil
}
