package tools

import (
	"encoding/binary"
	"io"
	"sync"
	"time"
)

type clip struct {
	start   int64
	samples []float32
}

func (c clip) end() int64 {
	return c.start + int64(len(c.samples))
}

// Mixer is a pull-based mono PCM16 LE source for an audio player. Audio is
// scheduled at absolute positions on a sample clock that advances as the
// player reads; overlapping clips are summed and gaps read as silence.
type Mixer struct {
	rate int

	mu        sync.Mutex
	pos       int64
	clips     []clip
	onDrained func()
	closed    bool
}

var _ io.Reader = (*Mixer)(nil)

func NewMixer(rate int) *Mixer {
	if rate <= 0 {
		rate = 24000
	}
	return &Mixer{rate: rate}
}

func (m *Mixer) SampleRate() int {
	return m.rate
}

// Now is the playback clock: the amount of audio handed to the player so far.
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return PCMDuration(int(m.pos), m.rate)
}

// Schedule queues samples to start at the given clock time. A start time
// already in the past is moved to the current position.
func (m *Mixer) Schedule(samples []float32, at time.Duration) {
	if len(samples) == 0 {
		return
	}
	start := (int64(at)*int64(m.rate) + int64(time.Second)/2) / int64(time.Second)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	start = max(start, m.pos)
	m.clips = append(m.clips, clip{start: start, samples: samples})
}

// Pending reports the number of scheduled clips that have not finished.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clips)
}

// StopAll drops every scheduled clip. The drain callback fires if anything
// was playing.
func (m *Mixer) StopAll() {
	m.mu.Lock()
	had := len(m.clips) > 0
	m.clips = nil
	cb := m.onDrained
	m.mu.Unlock()

	if had && cb != nil {
		cb()
	}
}

// OnDrained sets a callback invoked when the last scheduled clip finishes.
func (m *Mixer) OnDrained(f func()) {
	m.mu.Lock()
	m.onDrained = f
	m.mu.Unlock()
}

func (m *Mixer) Read(p []byte) (int, error) {
	n := len(p) / 2
	if n == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, io.EOF
	}
	from, to := m.pos, m.pos+int64(n)
	had := len(m.clips) > 0
	for i := range n {
		at := from + int64(i)
		var sum float64
		for _, c := range m.clips {
			if at >= c.start && at < c.end() {
				sum += float64(c.samples[at-c.start])
			}
		}
		v := int32(sum * 32768)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(v)))
	}
	m.pos = to

	live := m.clips[:0]
	for _, c := range m.clips {
		if c.end() > to {
			live = append(live, c)
		}
	}
	m.clips = live
	drained := had && len(m.clips) == 0
	cb := m.onDrained
	m.mu.Unlock()

	if drained && cb != nil {
		cb()
	}
	return n * 2, nil
}

// Close makes subsequent reads return io.EOF.
func (m *Mixer) Close() error {
	m.mu.Lock()
	m.closed = true
	m.clips = nil
	m.mu.Unlock()
	return nil
}
