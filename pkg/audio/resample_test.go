package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestResampleDecimation(t *testing.T) {
	in := make([]int16, 10)
	for i := range in {
		in[i] = int16(i * 10)
	}

	out := Resample(in, 24000, 8000)
	require.Len(t, out, 3)
	assert.Equal(t, []int16{0, 30, 60}, out)
}

func TestResampleDecimationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := rapid.SliceOf(rapid.Int16()).Draw(t, "samples")
		out := Resample(in, 24000, 8000)
		if len(out) != len(in)/3 {
			t.Fatalf("len %d -> %d, want %d", len(in), len(out), len(in)/3)
		}
		for i, s := range out {
			if s != in[3*i] {
				t.Fatalf("out[%d]=%d, want in[%d]=%d", i, s, 3*i, in[3*i])
			}
		}
	})
}

func TestResampleUpsampleInterpolates(t *testing.T) {
	out := Resample([]int16{0, 300, 600}, 8000, 24000)
	require.Len(t, out, 9)
	assert.Equal(t, int16(0), out[0])
	assert.Equal(t, int16(100), out[1])
	assert.Equal(t, int16(200), out[2])
	assert.Equal(t, int16(300), out[3])
	// past the last input sample the tail is held
	assert.Equal(t, int16(600), out[8])
}

func TestResampleFractional(t *testing.T) {
	in := make([]int16, 441)
	out := Resample(in, 44100, 8000)
	assert.Len(t, out, 80)
}

func TestResampleEdgeCases(t *testing.T) {
	assert.Nil(t, Resample(nil, 24000, 8000))
	assert.Nil(t, Resample([]int16{1}, 0, 8000))

	same := []int16{1, 2, 3}
	out := Resample(same, 8000, 8000)
	assert.Equal(t, same, out)
	out[0] = 9
	assert.Equal(t, int16(1), same[0], "identity resample must copy")
}

func TestNewResampler(t *testing.T) {
	_, err := NewResampler(0, 8000)
	assert.Error(t, err)

	r, err := NewResampler(24000, 8000)
	require.NoError(t, err)
	defer r.Close()

	out, err := r.Resample(make([]int16, 480))
	require.NoError(t, err)
	assert.Len(t, out, 160)
}
