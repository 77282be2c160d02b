package tools

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameSamples(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		rate     int
		channels int
		expected int
	}{
		{name: "opus stereo frame", duration: 20 * time.Millisecond, rate: 48000, channels: 2, expected: 1920},
		{name: "live output chunk", duration: 40 * time.Millisecond, rate: 24000, channels: 1, expected: 960},
		{name: "zero duration", duration: 0, rate: 48000, channels: 2, expected: 0},
		{name: "zero channels", duration: time.Second, rate: 48000, channels: 0, expected: 0},
		{name: "zero rate", duration: time.Second, rate: 0, channels: 1, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FrameSamples(tt.duration, tt.rate, tt.channels))
		})
	}
}

func TestResample(t *testing.T) {
	tests := []struct {
		name    string
		inLen   int
		from    int
		to      int
		wantLen int
	}{
		{name: "48k to 16k", inLen: 100, from: 48000, to: 16000, wantLen: 33},
		{name: "44.1k block to 16k", inLen: 4096, from: 44100, to: 16000, wantLen: 1486},
		{name: "48k block to 16k", inLen: 4096, from: 48000, to: 16000, wantLen: 1365},
		{name: "16k to 24k", inLen: 320, from: 16000, to: 24000, wantLen: 480},
		{name: "empty", inLen: 0, from: 48000, to: 16000, wantLen: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Resample(make([]float32, tt.inLen), tt.from, tt.to)
			assert.Len(t, out, tt.wantLen)
		})
	}
}

func TestResamplePicksAlignedSamples(t *testing.T) {
	in := make([]float32, 12)
	for i := range in {
		in[i] = float32(i) / 100
	}
	out := Resample(in, 48000, 16000)
	require.Len(t, out, 4)
	for i, v := range out {
		assert.InDelta(t, float64(in[i*3]), float64(v), 1e-6)
	}
}

func TestResampleMissingNeighbourIsSilence(t *testing.T) {
	out := Resample([]float32{1, 1}, 16000, 48000)
	require.Len(t, out, 6)
	assert.InDelta(t, 1.0, float64(out[3]), 1e-6)
	assert.InDelta(t, 2.0/3.0, float64(out[4]), 1e-6)
	assert.InDelta(t, 1.0/3.0, float64(out[5]), 1e-6)
}

func TestResampleSameRateIsIdentity(t *testing.T) {
	in := []float32{0.1, -0.2, 0.3}
	assert.Equal(t, in, Resample(in, 16000, 16000))
}

func TestFloat32ToPCM16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{in: 0, want: 0},
		{in: 0.5, want: 16384},
		{in: -0.5, want: -16384},
		{in: 1, want: 32767},
		{in: -1, want: -32768},
		{in: 1.5, want: 32767},
		{in: -3, want: -32768},
		{in: -0.00001, want: 0},
		{in: 0.99999, want: 32767},
	}

	for _, tt := range tests {
		out := Float32ToPCM16([]float32{tt.in})
		require.Len(t, out, 2)
		got := int16(uint16(out[0]) | uint16(out[1])<<8)
		assert.Equal(t, tt.want, got, "input %v", tt.in)
	}
}

func TestPCM16ToFloat32(t *testing.T) {
	out := PCM16ToFloat32([]byte{0x00, 0x80, 0xff, 0x7f, 0x00, 0x40, 0x01})
	require.Len(t, out, 3)
	assert.Equal(t, float32(-1), out[0])
	assert.InDelta(t, 32767.0/32768.0, float64(out[1]), 1e-9)
	assert.Equal(t, float32(0.5), out[2])
}

func TestPCMDuration(t *testing.T) {
	assert.Equal(t, 20*time.Millisecond, PCMDuration(480, 24000))
	assert.Equal(t, time.Second, PCMDuration(16000, 16000))
	assert.Equal(t, time.Duration(0), PCMDuration(100, 0))
}

func TestFramer(t *testing.T) {
	f := NewFramer(4)
	assert.Empty(t, f.Push([]float32{1, 2, 3}))
	assert.Equal(t, 3, f.Buffered())

	blocks := f.Push([]float32{4, 5, 6, 7, 8, 9, 10})
	require.Len(t, blocks, 2)
	assert.Equal(t, []float32{1, 2, 3, 4}, blocks[0])
	assert.Equal(t, []float32{5, 6, 7, 8}, blocks[1])
	assert.Equal(t, 2, f.Buffered())

	f.Reset()
	assert.Equal(t, 0, f.Buffered())
	assert.Equal(t, 4096, NewFramer(0).Size())
}

func TestFramerBlocksDoNotAlias(t *testing.T) {
	f := NewFramer(2)
	first := f.Push([]float32{1, 2})
	second := f.Push([]float32{3, 4})
	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, []float32{1, 2}, first[0])
	assert.Equal(t, []float32{3, 4}, second[0])
}
