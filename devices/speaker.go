package devices

import (
	"fmt"
	"sync"
	"time"

	"github.com/bt-bridge/voicelink/live"
	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/tools"
	"github.com/ebitengine/oto/v3"
	"go.uber.org/zap"
)

// SpeakerRate is the rate of the process-wide output context. oto allows a
// single context per process, so every player shares it.
const SpeakerRate = live.OutputSampleRate

var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoErr  error
)

func outputContext(buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   SpeakerRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = fmt.Errorf("creating output context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
	})
	return otoCtx, otoErr
}

// Speaker plays scheduled mono audio on the default output device.
type Speaker struct {
	logger shared.LoggerAdapter
	buffer time.Duration
}

var _ live.OutputDevice = (*Speaker)(nil)

func NewSpeaker(logger shared.LoggerAdapter, buffer time.Duration) (*Speaker, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if buffer <= 0 {
		buffer = 100 * time.Millisecond
	}
	return &Speaker{
		logger: logger.With(zap.String("component", "speaker")),
		buffer: buffer,
	}, nil
}

func (s *Speaker) Open(sampleRate int) (live.Player, error) {
	if sampleRate != SpeakerRate {
		return nil, fmt.Errorf("unsupported output rate %d, want %d", sampleRate, SpeakerRate)
	}
	ctx, err := outputContext(s.buffer)
	if err != nil {
		return nil, err
	}
	mixer := tools.NewMixer(sampleRate)
	player := ctx.NewPlayer(mixer)
	player.Play()
	s.logger.Debug("output opened", zap.Int("sample_rate", sampleRate))
	return &speakerPlayer{Mixer: mixer, player: player}, nil
}

type speakerPlayer struct {
	*tools.Mixer
	player *oto.Player
	once   sync.Once
	err    error
}

func (p *speakerPlayer) Close() error {
	p.once.Do(func() {
		_ = p.Mixer.Close()
		p.err = p.player.Close()
	})
	return p.err
}
