package devices

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/bt-bridge/voicelink/live"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/tools"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrame is the longest frame an opus packet can carry.
const maxOpusFrame = 120 * time.Millisecond

type floatDecoder interface {
	DecodeFloat32(data []byte, pcm []float32) (int, error)
}

// PlayRemoteAudio decodes the remote opus track to mono at the speaker rate
// and plays it back to back until the track ends or ctx is done.
func PlayRemoteAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackRemote, player live.Player) error {
	codec := track.Codec()
	logger.Info("playing remote audio",
		zap.String("codec", codec.MimeType),
		zap.Uint32("clock_rate", codec.ClockRate),
		zap.Uint16("channels", codec.Channels),
	)
	decoder, err := opus.NewDecoder(SpeakerRate, 1)
	if err != nil {
		return fmt.Errorf("creating opus decoder: %w", err)
	}
	next := func() ([]byte, error) {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return nil, err
		}
		return pkt.Payload, nil
	}
	return playOpus(ctx, logger, next, decoder, player)
}

func playOpus(ctx context.Context, logger shared.LoggerAdapter, next func() ([]byte, error), decoder floatDecoder, player live.Player) error {
	pcm := make([]float32, tools.FrameSamples(maxOpusFrame, SpeakerRate, 1))
	var timeline tools.Timeline
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		payload, err := next()
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading remote audio: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		n, err := decoder.DecodeFloat32(payload, pcm)
		if err != nil {
			logger.Warn("decoding opus", zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}
		at := timeline.Place(player.Now(), tools.PCMDuration(n, SpeakerRate))
		player.Schedule(slices.Clone(pcm[:n]), at)
	}
}
