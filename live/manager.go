package live

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bt-bridge/voicelink/shared"
	"github.com/bt-bridge/voicelink/tools"
	"go.uber.org/zap"
)

const (
	DefaultModel        = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultInstructions = "You are Jiam, a helpful AI assistant created by Ibrahim Sorie Kamara. " +
		"Your goal is to have a natural, helpful, and friendly conversation."
	DefaultBlockSize = 4096

	msgMicrophone = "Could not access microphone. Please check permissions."
	msgConnect    = "Could not connect to the live service. Please try again."
	msgSession    = "Live conversation error. Please try again."
)

type Config struct {
	Session SessionConfig
	// BlockSize is the number of captured samples sent per frame, before resampling.
	BlockSize int
	Endpoint  Endpoint
	Source    AudioSource
	Output    OutputDevice
	Sink      MessageSink
	Notifier  shared.Notifier
}

// Manager runs at most one live conversation: microphone audio streams to the
// endpoint while transcripts land in the sink and reply audio is queued back to
// back on the player.
type Manager struct {
	logger shared.LoggerAdapter
	cfg    Config

	mu        sync.Mutex
	state     State
	speaker   Speaker
	gen       uint64
	opened    bool
	stream    Stream
	capture   Capture
	player    Player
	cancel    context.CancelCauseFunc
	timeline  tools.Timeline
	user      transcript
	ai        transcript
	onState   StateHandler
	onSpeaker SpeakerHandler
}

func NewManager(logger shared.LoggerAdapter, cfg Config) (*Manager, error) {
	if logger == nil {
		return nil, shared.ErrNoLogger
	}
	if cfg.Endpoint == nil {
		return nil, shared.ErrNoEndpoint
	}
	if cfg.Source == nil {
		return nil, shared.ErrNoAudioSource
	}
	if cfg.Output == nil {
		return nil, shared.ErrNoOutputDevice
	}
	if cfg.Sink == nil {
		return nil, shared.ErrNoMessageSink
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.Session.Model == "" {
		cfg.Session.Model = DefaultModel
	}
	if cfg.Session.Instructions == "" {
		cfg.Session.Instructions = DefaultInstructions
	}
	cfg.Session.InputTranscription = true
	cfg.Session.OutputTranscription = true

	logger = logger.With(zap.String("component", "live"))
	if cfg.Notifier == nil {
		cfg.Notifier = shared.LogNotifier(logger)
	}
	return &Manager{
		logger: logger,
		cfg:    cfg,
		user:   transcript{role: RoleUser, kind: KindLiveUser},
		ai:     transcript{role: RoleAI, kind: KindLiveAI},
	}, nil
}

func (m *Manager) RegisterStateHandler(handler StateHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	if m.onState != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.onState = handler
	return nil
}

func (m *Manager) RegisterSpeakerHandler(handler SpeakerHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return shared.ErrSessionAlreadyRunning
	}
	if m.onSpeaker != nil {
		return shared.ErrHandlerAlreadySet
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	m.onSpeaker = handler
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Speaker() Speaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.speaker
}

// Start opens the microphone and the output device and connects to the
// endpoint. It does nothing unless the manager is idle. Failures are reported
// through the notifier and leave the manager idle.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	emit := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	emit()

	capture, err := m.cfg.Source.Open(ctx)
	if err != nil {
		return m.fail(gen, msgMicrophone, fmt.Errorf("%w: %w", shared.ErrMicrophoneUnavailable, err))
	}
	if !m.attach(gen, func() { m.capture = capture }) {
		_ = capture.Close()
		return shared.ErrSessionClosed
	}

	player, err := m.cfg.Output.Open(OutputSampleRate)
	if err != nil {
		return m.fail(gen, msgSession, fmt.Errorf("opening output device: %w", err))
	}
	player.OnDrained(func() { m.handleDrained(gen) })
	if !m.attach(gen, func() { m.player = player }) {
		_ = player.Close()
		return shared.ErrSessionClosed
	}

	m.logger.Info("connecting live session", zap.String("model", m.cfg.Session.Model), zap.Int("capture_rate", capture.SampleRate()))
	stream, err := m.cfg.Endpoint.Connect(ctx, m.cfg.Session, func(event Event) { m.handleEvent(gen, event) })
	if err != nil {
		return m.fail(gen, msgConnect, fmt.Errorf("connecting live session: %w", err))
	}

	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		_ = stream.Close()
		return shared.ErrSessionClosed
	}
	m.stream = stream
	emit = func() {}
	if m.opened {
		emit = m.activateLocked(gen)
	}
	m.mu.Unlock()
	emit()
	return nil
}

// Stop ends the conversation and settles any open transcript messages. It is
// safe to call in any state.
func (m *Manager) Stop() {
	m.mu.Lock()
	gen := m.gen
	m.mu.Unlock()
	m.shutdown(gen)
}

func (m *Manager) attach(gen uint64, set func()) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.state != StateConnecting {
		return false
	}
	set()
	return true
}

// activateLocked requires the stream to be attached.
func (m *Manager) activateLocked(gen uint64) func() {
	ctx, cancel := context.WithCancelCause(context.Background())
	m.cancel = cancel
	go m.pump(ctx, gen, m.capture, m.stream)
	m.logger.Info("live session active")
	return m.setStateLocked(StateActive)
}

// pump frames captured audio, converts it to 16 kHz PCM16 and streams it out.
func (m *Manager) pump(ctx context.Context, gen uint64, capture Capture, stream Stream) {
	framer := tools.NewFramer(m.cfg.BlockSize)
	rate := capture.SampleRate()
	for {
		samples, err := capture.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				_ = m.fail(gen, msgSession, fmt.Errorf("reading microphone: %w", err))
			}
			return
		}
		for _, block := range framer.Push(samples) {
			frame := AudioFrame{
				PCM:      tools.Float32ToPCM16(tools.Resample(block, rate, InputSampleRate)),
				MIMEType: InputMIMEType,
			}
			if err := stream.SendAudio(frame); err != nil {
				if ctx.Err() == nil {
					_ = m.fail(gen, msgSession, fmt.Errorf("sending audio: %w", err))
				}
				return
			}
		}
	}
}

func (m *Manager) handleEvent(gen uint64, event Event) {
	switch event.Kind {
	case EventOpen:
		m.handleOpen(gen)
	case EventInputTranscript:
		m.handleTranscript(gen, &m.user, SpeakerUser, event.Text)
	case EventOutputTranscript:
		m.handleTranscript(gen, &m.ai, SpeakerAI, event.Text)
	case EventAudio:
		m.handleAudio(gen, event.Audio)
	case EventInterrupted:
		m.handleInterrupted(gen)
	case EventTurnComplete:
		m.handleTurnComplete(gen)
	case EventError:
		err := event.Err
		if err == nil {
			err = shared.ErrTransportFailed
		}
		_ = m.fail(gen, msgSession, err)
	case EventClose:
		m.logger.Info("live session closed by endpoint")
		m.shutdown(gen)
	}
}

func (m *Manager) handleOpen(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.state != StateConnecting {
		m.mu.Unlock()
		return
	}
	m.opened = true
	emit := func() {}
	if m.stream != nil {
		emit = m.activateLocked(gen)
	}
	m.mu.Unlock()
	emit()
}

func (m *Manager) handleTranscript(gen uint64, t *transcript, speaker Speaker, text string) {
	if text == "" {
		return
	}
	m.mu.Lock()
	if !m.liveLocked(gen) {
		m.mu.Unlock()
		return
	}
	t.append(m.cfg.Sink, text)
	emit := m.setSpeakerLocked(speaker)
	m.mu.Unlock()
	emit()
}

func (m *Manager) handleAudio(gen uint64, pcm []byte) {
	samples := tools.PCM16ToFloat32(pcm)
	if len(samples) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.liveLocked(gen) || m.player == nil {
		return
	}
	at := m.timeline.Place(m.player.Now(), tools.PCMDuration(len(samples), OutputSampleRate))
	m.player.Schedule(samples, at)
}

func (m *Manager) handleInterrupted(gen uint64) {
	m.mu.Lock()
	if !m.liveLocked(gen) || m.player == nil {
		m.mu.Unlock()
		return
	}
	player := m.player
	m.timeline.Reset()
	m.mu.Unlock()

	m.logger.Debug("reply interrupted")
	// StopAll may run the drained callback, which takes the lock.
	player.StopAll()
}

func (m *Manager) handleTurnComplete(gen uint64) {
	m.mu.Lock()
	if !m.liveLocked(gen) {
		m.mu.Unlock()
		return
	}
	m.user.finalize(m.cfg.Sink)
	m.ai.finalize(m.cfg.Sink)
	emit := m.setSpeakerLocked(SpeakerNone)
	m.mu.Unlock()
	emit()
}

func (m *Manager) handleDrained(gen uint64) {
	m.mu.Lock()
	if m.gen != gen || m.speaker != SpeakerAI {
		m.mu.Unlock()
		return
	}
	emit := m.setSpeakerLocked(SpeakerNone)
	m.mu.Unlock()
	emit()
}

func (m *Manager) liveLocked(gen uint64) bool {
	return m.gen == gen && m.state == StateActive
}

// fail shuts the session down and notifies once. Later failures of the same
// session return ErrSessionClosed silently.
func (m *Manager) fail(gen uint64, msg string, err error) error {
	if !m.shutdown(gen) {
		return shared.ErrSessionClosed
	}
	m.logger.Error("live session failed", err)
	m.cfg.Notifier.Notify(msg, err)
	return err
}

// shutdown releases everything owned by session gen. It reports false when
// that session is already gone.
func (m *Manager) shutdown(gen uint64) bool {
	m.mu.Lock()
	if m.gen != gen || m.state == StateIdle || m.state == StateClosing {
		m.mu.Unlock()
		return false
	}
	wasActive := m.state == StateActive
	// Events still in flight for this session are dropped from here on.
	m.gen++
	m.state = StateClosing
	emitClosing := func() {}
	if wasActive {
		emitClosing = m.emitStateLocked(StateClosing)
	}
	stream, capture, player, cancel := m.stream, m.capture, m.player, m.cancel
	m.stream, m.capture, m.player, m.cancel = nil, nil, nil, nil
	m.opened = false
	m.user.finalize(m.cfg.Sink)
	m.ai.finalize(m.cfg.Sink)
	m.timeline.Reset()
	emitSpeaker := m.setSpeakerLocked(SpeakerNone)
	m.mu.Unlock()

	emitClosing()
	emitSpeaker()

	if cancel != nil {
		cancel(shared.ErrSessionClosed)
	}
	if stream != nil {
		if err := stream.Close(); err != nil {
			m.logger.Warn("closing live stream", zap.Error(err))
		}
	}
	if capture != nil {
		if err := capture.Close(); err != nil {
			m.logger.Warn("closing microphone", zap.Error(err))
		}
	}
	if player != nil {
		player.StopAll()
		if err := player.Close(); err != nil {
			m.logger.Warn("closing output device", zap.Error(err))
		}
	}

	m.mu.Lock()
	emit := func() {}
	if m.state == StateClosing {
		emit = m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()
	emit()
	m.logger.Info("live session stopped")
	return true
}

func (m *Manager) setStateLocked(state State) func() {
	if m.state == state {
		return func() {}
	}
	m.state = state
	return m.emitStateLocked(state)
}

func (m *Manager) emitStateLocked(state State) func() {
	handler := m.onState
	if handler == nil {
		return func() {}
	}
	return func() { handler(state) }
}

func (m *Manager) setSpeakerLocked(speaker Speaker) func() {
	if m.speaker == speaker {
		return func() {}
	}
	m.speaker = speaker
	handler := m.onSpeaker
	if handler == nil {
		return func() {}
	}
	return func() { handler(speaker) }
}
