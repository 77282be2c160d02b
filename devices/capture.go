package devices

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"

	"github.com/bt-bridge/voicelink/live"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

const captureQueueSize = 64

// Capture opens the default input device as mono float32. A zero sample rate
// keeps the device's native rate.
type Capture struct {
	logger     shared.LoggerAdapter
	sampleRate int
}

var _ live.AudioSource = (*Capture)(nil)

func NewCapture(logger shared.LoggerAdapter, sampleRate int) (*Capture, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Capture{
		logger:     logger.With(zap.String("component", "capture")),
		sampleRate: sampleRate,
	}, nil
}

func (c *Capture) Open(context.Context) (live.Capture, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: initialising audio context: %w", shared.ErrMicrophoneUnavailable, err)
	}

	stream := &captureStream{
		logger: c.logger,
		mctx:   mctx,
		chunks: make(chan []float32, captureQueueSize),
		done:   make(chan struct{}),
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(c.sampleRate)
	cfg.PeriodSizeInMilliseconds = 20

	device, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			stream.push(decodeFloat32LE(input))
		},
	})
	if err != nil {
		stream.release()
		return nil, fmt.Errorf("%w: opening capture device: %w", shared.ErrMicrophoneUnavailable, err)
	}
	stream.device = device
	if err := device.Start(); err != nil {
		stream.release()
		return nil, fmt.Errorf("%w: starting capture device: %w", shared.ErrMicrophoneUnavailable, err)
	}
	c.logger.Info("capture started", zap.Uint32("sample_rate", device.SampleRate()))
	return stream, nil
}

type captureStream struct {
	logger  shared.LoggerAdapter
	mctx    *malgo.AllocatedContext
	device  *malgo.Device
	chunks  chan []float32
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func (s *captureStream) SampleRate() int {
	return int(s.device.SampleRate())
}

func (s *captureStream) push(samples []float32) {
	if len(samples) == 0 {
		return
	}
	select {
	case s.chunks <- samples:
	default:
		if s.dropped.Add(1)%50 == 1 {
			s.logger.Warn("capture queue full, dropping audio", zap.Uint64("dropped", s.dropped.Load()))
		}
	}
}

func (s *captureStream) Read(ctx context.Context) ([]float32, error) {
	select {
	case <-s.done:
		return nil, io.EOF
	default:
	}
	select {
	case samples := <-s.chunks:
		return samples, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *captureStream) Close() error {
	s.release()
	return nil
}

func (s *captureStream) release() {
	s.once.Do(func() {
		close(s.done)
		if s.device != nil {
			s.device.Uninit()
		}
		if err := s.mctx.Uninit(); err != nil {
			s.logger.Warn("releasing audio context", zap.Error(err))
		}
		s.mctx.Free()
	})
}

// decodeFloat32LE converts interleaved little-endian float32 bytes to samples.
func decodeFloat32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
