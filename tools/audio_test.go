package tools

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEncodedReader struct {
	frames   []mediadevices.EncodedBuffer
	released int
	closed   bool
}

func (r *fakeEncodedReader) Read() (mediadevices.EncodedBuffer, func(), error) {
	if len(r.frames) == 0 {
		return mediadevices.EncodedBuffer{}, func() {}, io.EOF
	}
	buf := r.frames[0]
	r.frames = r.frames[1:]
	return buf, func() { r.released++ }, nil
}

func (r *fakeEncodedReader) Controller() codec.EncoderController {
	return nil
}

func (r *fakeEncodedReader) Close() error {
	r.closed = true
	return nil
}

type fakeSource struct {
	reader   *fakeEncodedReader
	err      error
	mimeType string
}

func (s *fakeSource) NewEncodedReader(codecName string) (mediadevices.EncodedReadCloser, error) {
	s.mimeType = codecName
	if s.err != nil {
		return nil, s.err
	}
	return s.reader, nil
}

type fakeTrack struct {
	samples []media.Sample
}

func (t *fakeTrack) WriteSample(sample media.Sample) error {
	t.samples = append(t.samples, sample)
	return nil
}

func TestStreamLocalAudio(t *testing.T) {
	reader := &fakeEncodedReader{frames: []mediadevices.EncodedBuffer{
		{Data: []byte{1, 2, 3}, Samples: 960},
		{Data: nil, Samples: 0},
		{Data: []byte{4, 5}, Samples: 960},
	}}
	source := &fakeSource{reader: reader}
	track := &fakeTrack{}

	written := StreamLocalAudio(context.Background(), shared.NewNopLogger(), track, source, "audio/opus", 20*time.Millisecond)

	assert.Equal(t, 2, written)
	assert.Equal(t, "audio/opus", source.mimeType)
	require.Len(t, track.samples, 2)
	assert.Equal(t, []byte{1, 2, 3}, track.samples[0].Data)
	assert.Equal(t, 20*time.Millisecond, track.samples[1].Duration)
	assert.Equal(t, 3, reader.released)
	assert.True(t, reader.closed)
}

func TestStreamLocalAudioStopsOnCancel(t *testing.T) {
	reader := &fakeEncodedReader{frames: []mediadevices.EncodedBuffer{{Data: []byte{1}, Samples: 960}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	written := StreamLocalAudio(ctx, shared.NewNopLogger(), &fakeTrack{}, &fakeSource{reader: reader}, "audio/opus", 20*time.Millisecond)
	assert.Equal(t, 0, written)
	assert.True(t, reader.closed)
}

func TestStreamLocalAudioReaderError(t *testing.T) {
	source := &fakeSource{err: errors.New("no encoder")}
	written := StreamLocalAudio(context.Background(), shared.NewNopLogger(), &fakeTrack{}, source, "audio/opus", 20*time.Millisecond)
	assert.Equal(t, 0, written)
}
