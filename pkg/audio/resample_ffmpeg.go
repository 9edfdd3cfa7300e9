//go:build ffmpeg

package audio

import (
	"fmt"

	"github.com/asticode/go-astiav"
)

// NewResampler returns an ffmpeg swresample based resampler. Unlike the
// default build it low-pass filters before decimating.
func NewResampler(fromRate, toRate int) (Resampler, error) {
	return newSwrResampler(fromRate, toRate)
}

type swrResampler struct {
	ctx      *astiav.SoftwareResampleContext
	inFrame  *astiav.Frame
	outFrame *astiav.Frame
	inRate   int
	outRate  int
}

func newSwrResampler(inRate, outRate int) (*swrResampler, error) {
	if inRate <= 0 {
		return nil, fmt.Errorf("invalid input sample rate: %d", inRate)
	}
	if outRate <= 0 {
		return nil, fmt.Errorf("invalid output sample rate: %d", outRate)
	}

	r := &swrResampler{inRate: inRate, outRate: outRate}

	// 重采样上下文
	r.ctx = astiav.AllocSoftwareResampleContext()
	if r.ctx == nil {
		return nil, fmt.Errorf("failed to allocate resample context")
	}
	r.inFrame = astiav.AllocFrame()
	if r.inFrame == nil {
		r.Close()
		return nil, fmt.Errorf("failed to allocate input frame")
	}
	r.outFrame = astiav.AllocFrame()
	if r.outFrame == nil {
		r.Close()
		return nil, fmt.Errorf("failed to allocate output frame")
	}
	return r, nil
}

func (r *swrResampler) Close() {
	if r.ctx != nil {
		r.ctx.Free()
		r.ctx = nil
	}
	if r.inFrame != nil {
		r.inFrame.Free()
		r.inFrame = nil
	}
	if r.outFrame != nil {
		r.outFrame.Free()
		r.outFrame = nil
	}
}

func (r *swrResampler) Resample(samples []int16) ([]int16, error) {
	const align = 0
	if len(samples) == 0 {
		return nil, nil
	}

	r.inFrame.Unref()
	r.outFrame.Unref()

	r.inFrame.SetChannelLayout(astiav.ChannelLayoutMono)
	r.inFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.inFrame.SetSampleRate(r.inRate)
	r.inFrame.SetNbSamples(len(samples))

	r.outFrame.SetChannelLayout(astiav.ChannelLayoutMono)
	r.outFrame.SetSampleFormat(astiav.SampleFormatS16)
	r.outFrame.SetSampleRate(r.outRate)
	outNb := len(samples) * r.outRate / r.inRate
	if outNb == 0 {
		outNb = 1
	}
	r.outFrame.SetNbSamples(outNb)

	if err := r.inFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("failed to allocate input buffer: %w", err)
	}
	if err := r.outFrame.AllocBuffer(align); err != nil {
		return nil, fmt.Errorf("failed to allocate output buffer: %w", err)
	}
	if err := r.inFrame.MakeWritable(); err != nil {
		return nil, fmt.Errorf("making frame writable failed: %w", err)
	}

	// ffmpeg 可能需要更大的对齐缓冲区
	size, err := r.inFrame.SamplesBufferSize(align)
	if err != nil {
		return nil, fmt.Errorf("failed to get buffer size: %w", err)
	}
	in := SamplesToBytes(samples)
	if len(in) < size {
		padded := make([]byte, size)
		copy(padded, in)
		in = padded
	}
	if err := r.inFrame.Data().SetBytes(in[:size], align); err != nil {
		return nil, fmt.Errorf("setting frame's data failed: %w", err)
	}

	if err := r.ctx.ConvertFrame(r.inFrame, r.outFrame); err != nil {
		return nil, fmt.Errorf("failed to resample: %w", err)
	}
	out, err := r.outFrame.Data().Bytes(align)
	if err != nil {
		return nil, fmt.Errorf("getting output data failed: %w", err)
	}
	return BytesToSamples(out), nil
}
