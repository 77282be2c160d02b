package tools

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// SampleWriter is satisfied by *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// EncodedSource is satisfied by mediadevices.Track.
type EncodedSource interface {
	NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error)
}

// StreamLocalAudio pumps encoded microphone frames into an outgoing track
// until ctx is done or the source ends. It returns the number of frames written.
func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track SampleWriter, source EncodedSource, mimeType string, frameDuration time.Duration) int {
	reader, err := source.NewEncodedReader(mimeType)
	if err != nil {
		logger.Error("creating media track reader", err, zap.String("mimeType", mimeType))
		return 0
	}
	defer func() { _ = reader.Close() }()

	written := 0
	for {
		select {
		case <-ctx.Done():
			return written
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if release != nil {
				release()
			}
			if errors.Is(err, io.EOF) {
				return written
			}
			logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			if errors.Is(err, io.ErrClosedPipe) {
				return written
			}
			logger.Error("writing sample to track", err)
			continue
		}
		written++
	}
}
