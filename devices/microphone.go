package devices

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicelink/call"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/tools"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// OpusCodec is the outgoing call track format.
var OpusCodec = webrtc.RTPCodecCapability{
	MimeType:    webrtc.MimeTypeOpus,
	ClockRate:   48000,
	Channels:    2,
	SDPFmtpLine: "minptime=10;useinbandfec=1",
}

// Microphone captures the default input device as an opus call track.
type Microphone struct {
	logger shared.LoggerAdapter
}

var _ call.MediaSource = (*Microphone)(nil)

func NewMicrophone(logger shared.LoggerAdapter) (*Microphone, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	return &Microphone{logger: logger.With(zap.String("component", "microphone"))}, nil
}

func (m *Microphone) Acquire(ctx context.Context) (call.LocalMedia, error) {
	params, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("%w: creating opus params: %w", shared.ErrMicrophoneUnavailable, err)
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(48000)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&params),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrMicrophoneUnavailable, err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, fmt.Errorf("%w: no audio track in stream", shared.ErrMicrophoneUnavailable)
	}
	mic := tracks[0]

	local, err := webrtc.NewTrackLocalStaticSample(OpusCodec, "audio", "voicelink")
	if err != nil {
		_ = mic.Close()
		return nil, fmt.Errorf("creating local track: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	media := &localMedia{
		track:  local,
		mic:    mic,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(media.done)
		frames := tools.StreamLocalAudio(ctx, m.logger, local, mic, OpusCodec.MimeType, time.Duration(params.Latency))
		m.logger.Debug("microphone stream ended", zap.Int("frames", frames))
	}()
	m.logger.Info("microphone acquired", zap.String("track", mic.ID()))
	return media, nil
}

type localMedia struct {
	track  *webrtc.TrackLocalStaticSample
	mic    mediadevices.Track
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (l *localMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{l.track}
}

func (l *localMedia) Stop() error {
	l.once.Do(func() {
		l.cancel()
		l.err = l.mic.Close()
		<-l.done
	})
	return l.err
}
