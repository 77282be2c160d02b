package tools

import (
	"encoding/binary"
	"time"
)

// Resample converts mono float samples from one rate to another by linear
// interpolation. The output holds floor(len(in)/ratio) samples and a neighbour
// past the end of the input reads as silence. There is no low-pass filter, so
// downsampling aliases.
func Resample(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || fromRate <= 0 || toRate <= 0 {
		return in
	}
	if len(in) == 0 {
		return []float32{}
	}

	ratio := float64(fromRate) / float64(toRate)
	n := int(float64(len(in)) / ratio)
	out := make([]float32, n)

	at := func(i int) float64 {
		if i < 0 || i >= len(in) {
			return 0
		}
		return float64(in[i])
	}
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		weight := pos - float64(idx)
		out[i] = float32(at(idx)*(1-weight) + at(idx+1)*weight)
	}
	return out
}

// Float32ToPCM16 encodes samples in [-1, 1] as 16-bit little-endian PCM.
// Values are scaled by 32768, truncated toward zero and clamped to the int16 range.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(float64(s) * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// PCM16ToFloat32 decodes 16-bit little-endian PCM to floats by dividing by 32768.
// A trailing odd byte is ignored.
func PCM16ToFloat32(data []byte) []float32 {
	out := make([]float32, len(data)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(data[i*2:]))) / 32768
	}
	return out
}

// FrameSamples is the number of interleaved samples covering duration.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCMDuration is the playback length of n mono samples at rate.
func PCMDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// Framer cuts a stream of arbitrarily sized capture chunks into fixed blocks.
type Framer struct {
	size    int
	pending []float32
}

func NewFramer(size int) *Framer {
	if size <= 0 {
		size = 4096
	}
	return &Framer{size: size, pending: make([]float32, 0, size)}
}

func (f *Framer) Size() int {
	return f.size
}

// Push appends samples and returns every block completed by them.
func (f *Framer) Push(samples []float32) [][]float32 {
	var blocks [][]float32
	for len(samples) > 0 {
		take := min(f.size-len(f.pending), len(samples))
		f.pending = append(f.pending, samples[:take]...)
		samples = samples[take:]
		if len(f.pending) == f.size {
			blocks = append(blocks, f.pending)
			f.pending = make([]float32, 0, f.size)
		}
	}
	return blocks
}

// Buffered reports how many samples wait for the next block.
func (f *Framer) Buffered() int {
	return len(f.pending)
}

func (f *Framer) Reset() {
	f.pending = f.pending[:0]
}
