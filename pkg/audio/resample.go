package audio

// Resampler converts a stream of mono 16-bit samples between two rates.
type Resampler interface {
	Resample(samples []int16) ([]int16, error)
	Close()
}

// Resample converts samples from fromRate to toRate.
//
// Integer-factor downsampling is strided decimation: every factor-th sample
// is kept and the output length is floor(N/factor). No low-pass filter is
// applied. Everything else (upsampling and fractional ratios) uses linear
// interpolation.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate <= 0 || toRate <= 0 || len(samples) == 0 {
		return nil
	}
	if fromRate == toRate {
		out := make([]int16, len(samples))
		copy(out, samples)
		return out
	}
	if fromRate > toRate && fromRate%toRate == 0 {
		return decimate(samples, fromRate/toRate)
	}
	return interpolate(samples, fromRate, toRate)
}

func decimate(samples []int16, factor int) []int16 {
	out := make([]int16, len(samples)/factor)
	for i := range out {
		out[i] = samples[i*factor]
	}
	return out
}

func interpolate(samples []int16, fromRate, toRate int) []int16 {
	n := len(samples) * toRate / fromRate
	out := make([]int16, n)
	ratio := float64(fromRate) / float64(toRate)
	last := len(samples) - 1
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= last {
			out[i] = samples[last]
			continue
		}
		frac := pos - float64(idx)
		a, b := float64(samples[idx]), float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// linearResampler is the default stateless Resampler.
type linearResampler struct {
	from, to int
}

func (r linearResampler) Resample(samples []int16) ([]int16, error) {
	return Resample(samples, r.from, r.to), nil
}

func (linearResampler) Close() {}
